// Package video defines the decoding backend contract shared by the frame
// sampler, the frame locator and the concrete ffmpeg adapter.
package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/keagan/shotlens/pkg/util"
)

var (
	// ErrOpen is returned when a source cannot be demuxed or its decoder is unavailable.
	ErrOpen = errors.New("video: open failed")

	// ErrNoVideoStream is returned when a source has no stream of media type video.
	ErrNoVideoStream = errors.New("video: no video stream found")

	// ErrDecode is returned when decoding fails mid-stream.
	ErrDecode = errors.New("video: decode failed")

	// ErrAgain means the decoder needs more input before it can emit a frame.
	// It is not a failure; callers pull again.
	ErrAgain = errors.New("video: decoder needs more input")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("video: session closed")
)

// Rational is an exact ratio such as a frame rate or a stream time base.
type Rational struct {
	Num int64
	Den int64
}

// ParseRational parses "30000/1001" style ratios.
func ParseRational(s string) (Rational, error) {
	num, den, err := util.ParseRatio(s)
	if err != nil {
		return Rational{}, err
	}
	return Rational{Num: num, Den: den}, nil
}

// Float64 returns the ratio as a float, 0 for an invalid ratio.
func (r Rational) Float64() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// Valid reports whether both terms are positive.
func (r Rational) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

// Invert swaps numerator and denominator.
func (r Rational) Invert() Rational {
	return Rational{Num: r.Den, Den: r.Num}
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// PTSForFrame converts a 0-based frame index to a timestamp expressed in timeBase units,
// given the stream frame rate: pts = index / frameRate / timeBase.
func PTSForFrame(index int64, frameRate, timeBase Rational) int64 {
	if !frameRate.Valid() || !timeBase.Valid() {
		return 0
	}
	num := float64(index) * float64(frameRate.Den) * float64(timeBase.Den)
	den := float64(frameRate.Num) * float64(timeBase.Num)
	return int64(math.Round(num / den))
}

// StreamInfo describes the stream chosen as "the video stream" of a source.
type StreamInfo struct {
	Index     int
	Width     int
	Height    int
	FrameRate Rational
	TimeBase  Rational
	NumFrames int64
	Duration  time.Duration
	Codec     string
	// Rotation is the display rotation in degrees. Frames are decoded in
	// coded orientation, Width x Height, regardless of it.
	Rotation int
}

// Frame is one decoded picture at native resolution.
// Pix holds RGBA pixels with a stride of 4*Width.
type Frame struct {
	Width  int
	Height int
	Pix    []byte
	PTS    int64
}

// Image wraps the frame pixels without copying.
func (f *Frame) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    f.Pix,
		Stride: 4 * f.Width,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// Decoder is one opened source session. It is single-owner: only the
// goroutine currently running an operation on the session may call it.
type Decoder interface {
	// Info returns the selected video stream description.
	Info() StreamInfo

	// NextFrame decodes the next frame of the video stream in presentation
	// order. It returns io.EOF when the stream has no more frames.
	NextFrame(ctx context.Context) (*Frame, error)

	// SeekBackward positions the decode cursor at or before pts.
	SeekBackward(ctx context.Context, pts int64) error

	// Flush drops any buffered decoder state.
	Flush()

	// DecodedCount is the running count of decoded frames. After a seek it
	// counts from the landed position.
	DecodedCount() int64

	// Close releases every backend resource held by the session.
	Close() error
}

// Backend opens sources.
type Backend interface {
	Open(ctx context.Context, path string) (Decoder, error)

	// OpenSessions reports sessions opened and not yet closed.
	OpenSessions() int
}
