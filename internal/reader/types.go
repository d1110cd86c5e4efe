package reader

import (
	"time"

	"github.com/keagan/shotlens/internal/screenshot"
	"github.com/keagan/shotlens/internal/shots"
	"github.com/keagan/shotlens/internal/video"
)

// Options configures the operations of a reader
type Options struct {
	Detection   shots.Config
	Screenshots screenshot.Options

	// Progress, if set, is called after every inference window
	Progress shots.Progress
}

func DefaultOptions() Options {
	return Options{
		Detection:   shots.DefaultConfig(),
		Screenshots: screenshot.DefaultOptions(),
	}
}

// Info summarizes the opened video stream
type Info struct {
	Path      string        `json:"path"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	FPS       float64       `json:"fps"`
	FrameRate string        `json:"frame_rate"`
	Frames    int64         `json:"frames"`
	Duration  time.Duration `json:"duration"`
	Codec     string        `json:"codec"`
}

func newInfo(path string, s video.StreamInfo) Info {
	return Info{
		Path:      path,
		Width:     s.Width,
		Height:    s.Height,
		FPS:       s.FrameRate.Float64(),
		FrameRate: s.FrameRate.String(),
		Frames:    s.NumFrames,
		Duration:  s.Duration,
		Codec:     s.Codec,
	}
}
