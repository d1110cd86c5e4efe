package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesSampledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shotlens_frames_sampled_total",
		Help: "Total number of frames decoded and resampled for shot detection",
	})

	SamplingFPS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shotlens_sampling_fps",
		Help: "Most recently measured frame sampling rate",
	})

	InferenceWindowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shotlens_inference_windows_total",
		Help: "Total number of 100-frame windows evaluated by the model",
	})

	InferenceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shotlens_inference_duration_seconds",
		Help:    "Duration of one model evaluation",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	ScreenshotsWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shotlens_screenshots_written_total",
		Help: "Total number of screenshot files written, by kind",
	}, []string{"kind"})

	ScreenshotFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shotlens_screenshot_failures_total",
		Help: "Total number of screenshot files that could not be written, by kind",
	}, []string{"kind"})

	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shotlens_tasks_total",
		Help: "Total number of reader tasks finished, by task and state",
	}, []string{"task", "state"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shotlens_task_duration_seconds",
		Help:    "Duration of reader tasks",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"task"})

	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shotlens_active_jobs",
		Help: "Number of jobs currently being processed by the worker",
	})

	JobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shotlens_jobs_processed_total",
		Help: "Total number of jobs processed, by status",
	}, []string{"status"})
)
