package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/keagan/shotlens/internal/config"
	"github.com/keagan/shotlens/internal/ffmpeg"
	"github.com/keagan/shotlens/internal/jobs"
	"github.com/keagan/shotlens/internal/logging"
	"github.com/keagan/shotlens/internal/metrics"
	"github.com/keagan/shotlens/internal/postgres"
	"github.com/keagan/shotlens/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Routing keys on the worker exchange
const (
	jobRoutingKey    = "job"
	cancelRoutingKey = "cancel"
	statusRoutingKey = "status"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume shot detection and screenshot jobs from RabbitMQ",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(cmd.Context(), config.FromContext(cmd.Context()))
	},
}

func runWorker(parent context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	wc := cfg.Worker
	logger := logging.WithComponent(log.Logger, "worker")
	logger.Info().Msg("starting shotlens worker")

	// Database
	pool, err := pgxpool.New(ctx, wc.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()

	repo := postgres.NewJobRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	// RabbitMQ publisher connection
	rmqConn, err := amqp.Dial(wc.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq for publisher: %w", err)
	}
	defer rmqConn.Close()

	pub, err := rabbitmq.NewPublisher(rmqConn, wc.Exchange)
	if err != nil {
		return err
	}
	defer pub.Close()
	statusPub := rabbitmq.NewStatusPublisher(pub, statusRoutingKey)

	exec, err := ffmpeg.New(log.Logger, ffmpegOptions(cfg))
	if err != nil {
		return err
	}

	svc := jobs.NewService(
		repo, statusPub,
		ffmpeg.NewBackend(exec, log.Logger),
		onnxLoader(cfg),
		log.Logger,
		jobs.Config{
			ModelPath: cfg.Model.Path,
			OutputDir: wc.OutputDir,
			Reader:    readerOptions(cfg),
		},
	)

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		metricsSrv = metrics.StartMetricsServer(ctx, cfg.Metrics.Addr, log.Logger)
	}

	status := rabbitmq.Binding{Queue: wc.StatusQueue, RoutingKey: statusRoutingKey}

	jobConsumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:         wc.RabbitMQURL,
		Exchange:    wc.Exchange,
		Binding:     rabbitmq.Binding{Queue: wc.JobQueue, RoutingKey: jobRoutingKey},
		Declare:     []rabbitmq.Binding{status},
		Prefetch:    wc.Prefetch,
		WorkerCount: wc.Workers,
		MaxRetries:  wc.MaxRetries,
		BaseDelayMs: wc.RetryBaseDelay,
	}, svc.Execute, log.Logger)
	if err != nil {
		return fmt.Errorf("create job consumer: %w", err)
	}
	defer jobConsumer.Close()

	// Cancellations must not queue behind long jobs
	cancelConsumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:         wc.RabbitMQURL,
		Exchange:    wc.Exchange,
		Binding:     rabbitmq.Binding{Queue: wc.CancelQueue, RoutingKey: cancelRoutingKey},
		Prefetch:    wc.Prefetch,
		WorkerCount: 1,
		MaxRetries:  wc.MaxRetries,
		BaseDelayMs: wc.RetryBaseDelay,
	}, svc.Cancel, log.Logger)
	if err != nil {
		return fmt.Errorf("create cancel consumer: %w", err)
	}
	defer cancelConsumer.Close()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info().
		Str("exchange", wc.Exchange).
		Str("jobs", wc.JobQueue).
		Str("cancel", wc.CancelQueue).
		Msg("shotlens worker started, consuming messages")

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	for _, c := range []*rabbitmq.Consumer{jobConsumer, cancelConsumer} {
		wg.Add(1)
		go func(c *rabbitmq.Consumer) {
			defer wg.Done()
			if err := c.Start(ctx); err != nil {
				errCh <- err
				cancel()
			}
		}(c)
	}
	wg.Wait()
	close(errCh)

	// Shutdown
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		metricsSrv.Shutdown(shutdownCtx)
	}

	logger.Info().Int("running", svc.Running()).Msg("shotlens worker stopped")
	return <-errCh
}
