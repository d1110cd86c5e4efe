package rabbitmq

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const maxBackoff = 60 * time.Second

type MessageHandler func(ctx context.Context, body []byte) error

// Binding routes one routing key of the exchange into a queue
type Binding struct {
	Queue      string
	RoutingKey string
}

type ConsumerConfig struct {
	URL         string
	Exchange    string
	Binding     Binding
	Declare     []Binding
	Prefetch    int
	WorkerCount int
	MaxRetries  int
	BaseDelayMs int
}

type Consumer struct {
	conn        *amqp.Connection
	channel     *amqp.Channel
	queue       string
	workerCount int
	maxRetries  int
	baseDelay   time.Duration
	handler     MessageHandler
	logger      zerolog.Logger
	wg          sync.WaitGroup
}

func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger zerolog.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	bindings := append([]Binding{cfg.Binding}, cfg.Declare...)
	if err := DeclareTopology(ch, cfg.Exchange, bindings); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}

	return &Consumer{
		conn:        conn,
		channel:     ch,
		queue:       cfg.Binding.Queue,
		workerCount: workers,
		maxRetries:  cfg.MaxRetries,
		baseDelay:   time.Duration(cfg.BaseDelayMs) * time.Millisecond,
		handler:     handler,
		logger:      logger.With().Str("component", "consumer").Str("queue", cfg.Binding.Queue).Logger(),
	}, nil
}

// DeclareTopology declares the topic exchange and every bound durable queue
func DeclareTopology(ch *amqp.Channel, exchange string, bindings []Binding) error {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	for _, b := range bindings {
		if _, err := ch.QueueDeclare(b.Queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", b.Queue, err)
		}
		if err := ch.QueueBind(b.Queue, b.RoutingKey, exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", b.Queue, err)
		}
	}
	return nil
}

// Start runs the worker pool until ctx is done
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.channel.ConsumeWithContext(
		ctx,
		c.queue,
		"",
		false, // autoAck=false
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.logger.Info().Int("workers", c.workerCount).Msg("starting worker pool")

	for i := 0; i < c.workerCount; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i, deliveries)
	}

	<-ctx.Done()
	c.logger.Info().Msg("context cancelled, waiting for workers to finish")
	c.wg.Wait()
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	log := c.logger.With().Int("worker_id", id).Logger()
	log.Info().Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("worker shutting down")
			return
		case d, ok := <-deliveries:
			if !ok {
				log.Info().Msg("delivery channel closed")
				return
			}
			c.processDelivery(ctx, d, log)
		}
	}
}

func (c *Consumer) processDelivery(ctx context.Context, d amqp.Delivery, log zerolog.Logger) {
	err := c.handler(ctx, d.Body)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	// Shutting down: hand the message back without spending a retry.
	if ctx.Err() != nil {
		log.Info().Err(err).Uint64("delivery_tag", d.DeliveryTag).Msg("requeueing message on shutdown")
		_ = d.Nack(false, true)
		return
	}

	attempt := attemptFromHeaders(d.Headers)
	if d.Redelivered {
		attempt++
	}
	log.Warn().
		Err(err).
		Uint64("delivery_tag", d.DeliveryTag).
		Int("attempt", attempt).
		Msg("message processing failed")

	if c.maxRetries > 0 && attempt > c.maxRetries {
		log.Error().Int("max_retries", c.maxRetries).Msg("retries exhausted, dropping message")
		_ = d.Nack(false, false)
		return
	}

	delay := backoff(c.baseDelay, attempt)
	log.Info().Dur("delay", delay).Msg("backoff before requeue")

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		_ = d.Nack(false, true)
		return
	}

	_ = d.Nack(false, true) // requeue=true
}

func attemptFromHeaders(headers amqp.Table) int {
	if headers == nil {
		return 1
	}
	if xDeath, ok := headers["x-death"]; ok {
		if deaths, ok := xDeath.([]interface{}); ok && len(deaths) > 0 {
			return len(deaths)
		}
	}
	return 1
}

func backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxBackoff) {
		return maxBackoff
	}
	return time.Duration(delay)
}

func (c *Consumer) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
