package ai

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXConfig describes how to bind a TransNetV2-style model
type ONNXConfig struct {
	LibraryPath    string
	InputName      string
	OutputName     string
	InputShape     []int64
	IntraOpThreads int
}

// DefaultONNXConfig matches the exported TransNetV2 graph: one [1,100,27,48,3]
// float input named "input" and the single-frame predictions output "534".
func DefaultONNXConfig() ONNXConfig {
	return ONNXConfig{
		InputName:      "input",
		OutputName:     "534",
		InputShape:     []int64{1, 100, 27, 48, 3},
		IntraOpThreads: 1,
	}
}

// The ONNX Runtime environment is process-wide; engines share it.
var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 && !ort.IsInitialized() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("%w: failed to initialize ONNX runtime: %v", ErrInference, err)
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()

	envRefs--
	if envRefs == 0 && ort.IsInitialized() {
		return ort.DestroyEnvironment()
	}
	return nil
}

// ONNXEngine runs a model through onnxruntime with preallocated tensors
type ONNXEngine struct {
	logger    zerolog.Logger
	modelPath string
	session   *ort.AdvancedSession
	input     *ort.Tensor[float32]
	output    *ort.Tensor[float32]
	closeOnce sync.Once
}

// NewONNXLoader returns a Loader that binds models with cfg
func NewONNXLoader(logger zerolog.Logger, cfg ONNXConfig) Loader {
	return func(modelPath string) (Engine, error) {
		return NewONNXEngine(logger, modelPath, cfg)
	}
}

// NewONNXEngine loads the model and validates its input and output bindings
func NewONNXEngine(logger zerolog.Logger, modelPath string, cfg ONNXConfig) (engine *ONNXEngine, err error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("%w: model file not found: %s", ErrInference, modelPath)
	}
	if len(cfg.InputShape) == 0 {
		cfg.InputShape = DefaultONNXConfig().InputShape
	}

	if err := acquireEnvironment(cfg.LibraryPath); err != nil {
		return nil, err
	}

	e := &ONNXEngine{
		logger:    logger.With().Str("engine", "onnx").Logger(),
		modelPath: modelPath,
	}
	defer func() {
		if err != nil {
			e.destroy()
			releaseEnvironment()
		}
	}()

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read model bindings: %v", ErrInference, err)
	}
	if _, ok := findBinding(inputs, cfg.InputName); !ok {
		return nil, fmt.Errorf("%w: model has no input %q (inputs: %v)", ErrInference, cfg.InputName, bindingNames(inputs))
	}
	out, ok := findBinding(outputs, cfg.OutputName)
	if !ok {
		return nil, fmt.Errorf("%w: model has no output %q (outputs: %v)", ErrInference, cfg.OutputName, bindingNames(outputs))
	}

	outputShape := resolveShape(out.Dimensions, cfg.InputShape)

	e.input, err = ort.NewEmptyTensor[float32](ort.NewShape(cfg.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create input tensor: %v", ErrInference, err)
	}
	e.output, err = ort.NewEmptyTensor[float32](ort.NewShape(outputShape...))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create output tensor: %v", ErrInference, err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create session options: %v", ErrInference, err)
	}
	defer options.Destroy()

	if cfg.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("%w: failed to set intra-op threads: %v", ErrInference, err)
		}
	}

	e.session, err = ort.NewAdvancedSession(modelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.Value{e.input},
		[]ort.Value{e.output},
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create session: %v", ErrInference, err)
	}

	logger.Info().
		Str("model", modelPath).
		Ints64("input_shape", cfg.InputShape).
		Ints64("output_shape", outputShape).
		Msg("shot boundary model loaded")

	return e, nil
}

// Infer copies input into the bound tensor, runs the session and returns a copy of the output
func (e *ONNXEngine) Infer(ctx context.Context, input []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dst := e.input.GetData()
	if len(input) != len(dst) {
		return nil, fmt.Errorf("%w: input has %d values, model expects %d", ErrInference, len(input), len(dst))
	}
	copy(dst, input)

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	out := e.output.GetData()
	result := make([]float32, len(out))
	copy(result, out)
	return result, nil
}

// InputLen is the flattened input tensor size
func (e *ONNXEngine) InputLen() int {
	return len(e.input.GetData())
}

// OutputLen is the flattened output tensor size
func (e *ONNXEngine) OutputLen() int {
	return len(e.output.GetData())
}

// Close releases the session, its tensors and the shared environment reference
func (e *ONNXEngine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.logger.Debug().Str("model", e.modelPath).Msg("closing model session")
		e.destroy()
		err = releaseEnvironment()
	})
	return err
}

func (e *ONNXEngine) destroy() {
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	if e.input != nil {
		e.input.Destroy()
		e.input = nil
	}
	if e.output != nil {
		e.output.Destroy()
		e.output = nil
	}
}

func findBinding(infos []ort.InputOutputInfo, name string) (ort.InputOutputInfo, bool) {
	for _, info := range infos {
		if info.Name == name {
			return info, true
		}
	}
	return ort.InputOutputInfo{}, false
}

func bindingNames(infos []ort.InputOutputInfo) []string {
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	return names
}

// resolveShape replaces dynamic output dimensions: batch becomes 1, the
// sequence axis takes the input sequence length, anything else becomes 1.
func resolveShape(dims []int64, inputShape []int64) []int64 {
	shape := make([]int64, len(dims))
	for i, d := range dims {
		switch {
		case d > 0:
			shape[i] = d
		case i == 1 && len(inputShape) > 1:
			shape[i] = inputShape[1]
		default:
			shape[i] = 1
		}
	}
	return shape
}
