package ai

import (
	"context"
	"errors"
)

// ErrInference is returned when a model cannot be loaded or evaluated
var ErrInference = errors.New("ai: inference failed")

// Engine evaluates a sequence classifier on a fixed-shape input tensor
type Engine interface {
	// Infer runs the model once. input is the flattened input tensor and the
	// result is the flattened output vector.
	Infer(ctx context.Context, input []float32) ([]float32, error)

	// InputLen is the number of float32 values Infer expects.
	InputLen() int

	// OutputLen is the number of values every Infer call returns.
	OutputLen() int

	// Close releases model resources
	Close() error
}

// Loader loads the model at modelPath
type Loader func(modelPath string) (Engine, error)
