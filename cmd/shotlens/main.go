package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/keagan/shotlens/internal/ai"
	"github.com/keagan/shotlens/internal/config"
	"github.com/keagan/shotlens/internal/ffmpeg"
	"github.com/keagan/shotlens/internal/logging"
	"github.com/keagan/shotlens/internal/metrics"
	"github.com/keagan/shotlens/internal/reader"
	"github.com/keagan/shotlens/internal/screenshot"
	"github.com/keagan/shotlens/internal/shots"
	"github.com/keagan/shotlens/internal/tracing"
	"github.com/keagan/shotlens/pkg/util"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gopkg.in/yaml.v3"
)

var (
	cfgFile    string
	verbose    bool
	jsonOutput bool

	tracerProvider *sdktrace.TracerProvider
)

func main() {
	ctx := context.Background()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "shotlens",
	Short:         "shotlens - shot boundary detection and screenshot extraction",
	Long:          "Detects shot boundaries in videos with a TransNetV2 model and extracts frame-exact screenshots.",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load config
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if verbose {
			cfg.LogLevel = "debug"
		}

		// Initialize logging
		logging.Init(cfg.LogLevel, cfg.LogJSON)

		tracerProvider, err = tracing.InitTracer(cmd.Context(), cfg.Tracing.Endpoint)
		if err != nil {
			log.Warn().Err(err).Msg("tracing init failed, continuing without tracing")
		}

		// Store config in context
		ctx := config.WithConfig(cmd.Context(), cfg)
		cmd.SetContext(ctx)

		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if tracerProvider == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tracerProvider.Shutdown(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./shotlens.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	detectCmd.Flags().String("model", "", "TransNetV2 ONNX model (default: model.path from config)")

	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(screenshotCmd)
	rootCmd.AddCommand(screenshotsCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(configCmd)
}

var infoCmd = &cobra.Command{
	Use:   "info [input video]",
	Short: "Show video stream information",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openReader(cmd, args[0])
		if err != nil {
			return err
		}
		defer r.Close()

		info, err := r.Info()
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(info)
		}

		bold := color.New(color.Bold).SprintFunc()
		fmt.Printf("%s %s\n", bold("file:"), info.Path)
		fmt.Printf("%s %dx%d\n", bold("size:"), info.Width, info.Height)
		fmt.Printf("%s %.3f (%s)\n", bold("fps:"), info.FPS, info.FrameRate)
		fmt.Printf("%s %d\n", bold("frames:"), info.Frames)
		fmt.Printf("%s %s\n", bold("duration:"), util.FormatDuration(info.Duration))
		fmt.Printf("%s %s\n", bold("codec:"), info.Codec)
		return nil
	},
}

var detectCmd = &cobra.Command{
	Use:   "detect [input video]",
	Short: "Detect shot boundaries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromContext(cmd.Context())
		model, _ := cmd.Flags().GetString("model")
		if model == "" {
			model = cfg.Model.Path
		}

		r, err := openReader(cmd, args[0])
		if err != nil {
			return err
		}
		defer r.Close()
		stop := cancelOnSignal(r)
		defer stop()

		tk, err := r.DetectShots(cmd.Context(), model)
		if err != nil {
			return err
		}
		intervals, err := tk.Wait(cmd.Context())
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(intervals)
		}
		printShots(intervals, r.FrameRate())
		return nil
	},
}

var screenshotCmd = &cobra.Command{
	Use:   "screenshot [input video] [output dir] [frame]",
	Short: "Write one frame and its thumbnail",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		frame, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid frame %q: %w", args[2], err)
		}

		r, err := openReader(cmd, args[0])
		if err != nil {
			return err
		}
		defer r.Close()
		stop := cancelOnSignal(r)
		defer stop()

		tk, err := r.GenerateScreenshot(cmd.Context(), args[1], frame)
		if err != nil {
			return err
		}
		res, err := tk.Wait(cmd.Context())
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(res)
		}
		if res == nil {
			color.Yellow("frame %d not found", frame)
			return nil
		}
		printScreenshots([]screenshot.Result{*res})
		return nil
	},
}

var screenshotsCmd = &cobra.Command{
	Use:   "screenshots [input video] [output dir] [frame...]",
	Short: "Write several frames in one pass",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		frames := make([]int, 0, len(args)-2)
		for _, arg := range args[2:] {
			frame, err := strconv.Atoi(arg)
			if err != nil {
				return fmt.Errorf("invalid frame %q: %w", arg, err)
			}
			frames = append(frames, frame)
		}

		r, err := openReader(cmd, args[0])
		if err != nil {
			return err
		}
		defer r.Close()
		stop := cancelOnSignal(r)
		defer stop()

		tk, err := r.GenerateScreenshots(cmd.Context(), args[1], frames)
		if err != nil {
			return err
		}
		results, err := tk.Wait(cmd.Context())
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(results)
		}
		printScreenshots(results)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Config management commands",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := yaml.Marshal(config.FromContext(cmd.Context()))
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "shotlens.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		force, _ := cmd.Flags().GetBool("force")
		if err := writeDefaultConfig(path, force); err != nil {
			return err
		}
		log.Info().Str("path", path).Msg("config written")
		return nil
	},
}

// writeDefaultConfig saves the built-in configuration, keeping an existing
// file unless force is set
func writeDefaultConfig(path string, force bool) error {
	if !force && util.FileExists(path) {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	return config.Default().Save(path)
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

// openReader builds the ffmpeg backend and ONNX loader from config and opens path
func openReader(cmd *cobra.Command, path string) (*reader.Reader, error) {
	cfg := config.FromContext(cmd.Context())
	startMetrics(cmd.Context(), cfg)

	exec, err := ffmpeg.New(log.Logger, ffmpegOptions(cfg))
	if err != nil {
		return nil, err
	}
	backend := ffmpeg.NewBackend(exec, log.Logger)

	opts := readerOptions(cfg)
	if !jsonOutput {
		opts.Progress = func(windows int, frames int64) {
			log.Debug().Int("windows", windows).Int64("frames", frames).Msg("progress")
		}
	}

	r := reader.New(log.Logger, path, backend, onnxLoader(cfg), opts)
	if err := r.Open(cmd.Context()); err != nil {
		return nil, err
	}
	return r, nil
}

func ffmpegOptions(cfg *config.Config) ffmpeg.Options {
	return ffmpeg.Options{
		FFmpegPath:  cfg.FFmpeg.BinaryPath,
		FFprobePath: cfg.FFmpeg.ProbePath,
		Threads:     cfg.FFmpeg.Threads,
	}
}

func onnxLoader(cfg *config.Config) ai.Loader {
	onnxCfg := ai.DefaultONNXConfig()
	onnxCfg.LibraryPath = cfg.Model.LibraryPath
	if cfg.Model.InputName != "" {
		onnxCfg.InputName = cfg.Model.InputName
	}
	if cfg.Model.OutputName != "" {
		onnxCfg.OutputName = cfg.Model.OutputName
	}
	if cfg.Model.IntraOpThreads > 0 {
		onnxCfg.IntraOpThreads = cfg.Model.IntraOpThreads
	}
	onnxCfg.InputShape = []int64{1, int64(cfg.Detection.SequenceLength), 27, 48, 3}
	return ai.NewONNXLoader(log.Logger, onnxCfg)
}

func readerOptions(cfg *config.Config) reader.Options {
	return reader.Options{
		Detection: shots.Config{
			SequenceLength: cfg.Detection.SequenceLength,
			StepSize:       cfg.Detection.StepSize,
			PaddingStart:   cfg.Detection.PaddingStart,
			Threshold:      cfg.Detection.Threshold,
		},
		Screenshots: screenshot.Options{
			Quality: cfg.Screenshots.Quality,
			Ext:     cfg.Screenshots.Ext,
		},
	}
}

func startMetrics(ctx context.Context, cfg *config.Config) {
	if cfg.Metrics.Addr == "" {
		return
	}
	metrics.StartMetricsServer(ctx, cfg.Metrics.Addr, log.Logger)
}

// cancelOnSignal cancels the reader's running operation on SIGINT/SIGTERM
func cancelOnSignal(r *reader.Reader) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("received signal, cancelling")
			r.Cancel()
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printShots(intervals []shots.Interval, fps float64) {
	header := color.New(color.Bold, color.FgCyan)
	header.Printf("%d shots\n", len(intervals))

	for i, iv := range intervals {
		start, end := "-", "-"
		if fps > 0 {
			start = util.FormatDuration(util.SecondsToDuration(float64(iv.Start) / fps))
			end = util.FormatDuration(util.SecondsToDuration(float64(iv.End) / fps))
		}
		fmt.Printf("%4d  %s  %s  %s\n",
			i+1,
			color.GreenString("%7d - %-7d", iv.Start, iv.End),
			color.New(color.Faint).Sprintf("%s - %s", start, end),
			color.New(color.Faint).Sprintf("(%d frames)", iv.Len()),
		)
	}
}

func printScreenshots(results []screenshot.Result) {
	for _, res := range results {
		thumb := color.YellowString("no thumbnail")
		if res.Thumbnail != "" {
			thumb = res.Thumbnail
		}
		fmt.Printf("%s  %s  %s\n", color.GreenString("%8d", res.Frame), res.Image, thumb)
	}
}
