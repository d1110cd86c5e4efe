package shots

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"testing"

	"github.com/keagan/shotlens/internal/ai"
	"github.com/keagan/shotlens/internal/video"
	"github.com/rs/zerolog"
)

// stubSource yields n thumbnails; every byte of thumbnail i is i%256.
type stubSource struct {
	n       int
	next    int
	onFrame func(i int)
}

func (s *stubSource) Sample(ctx context.Context) (video.Thumbnail, error) {
	if s.next >= s.n {
		return nil, io.EOF
	}
	i := s.next
	s.next++
	if s.onFrame != nil {
		s.onFrame(i)
	}
	thumb := make(video.Thumbnail, video.ThumbSize)
	for j := range thumb {
		thumb[j] = byte(i % 256)
	}
	return thumb, nil
}

// echoEngine returns, for every window position, the first byte of the
// thumbnail at that position, so a score identifies the frame it came from.
type echoEngine struct {
	outputs  int
	short    bool
	fail     error
	calls    int
	captured [][]float32
}

func (e *echoEngine) Infer(ctx context.Context, input []float32) ([]float32, error) {
	e.calls++
	if e.fail != nil {
		return nil, e.fail
	}
	e.captured = append(e.captured, append([]float32(nil), input...))
	n := e.outputs
	if e.short {
		n = 10
	}
	out := make([]float32, n)
	for j := range out {
		if j < SequenceLength {
			out[j] = input[j*video.ThumbSize]
		}
	}
	return out, nil
}

func (e *echoEngine) InputLen() int  { return SequenceLength * video.ThumbSize }
func (e *echoEngine) OutputLen() int { return e.outputs }
func (e *echoEngine) Close() error   { return nil }

func newDetector(engine ai.Engine) *Detector {
	return NewDetector(zerolog.Nop(), engine, DefaultConfig())
}

func TestIntervals(t *testing.T) {
	tests := []struct {
		name   string
		binary []uint8
		want   []Interval
	}{
		{
			name:   "alternating",
			binary: []uint8{1, 1, 0, 0, 1, 1, 0, 1},
			want:   []Interval{{2, 4}, {6, 7}},
		},
		{
			name:   "trailing zero",
			binary: []uint8{0, 0, 1, 1, 0, 0, 1, 0},
			want:   []Interval{{0, 2}, {4, 6}, {7, 7}},
		},
		{
			name:   "all ones",
			binary: []uint8{1, 1, 1, 1, 1},
			want:   []Interval{{0, 4}},
		},
		{
			name:   "all zeros",
			binary: []uint8{0, 0, 0, 0, 0},
			want:   []Interval{{0, 4}},
		},
		{
			name:   "single frame",
			binary: []uint8{0},
			want:   []Interval{{0, 0}},
		},
		{
			name:   "empty",
			binary: nil,
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Intervals(tt.binary)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Intervals(%v) = %v, want %v", tt.binary, got, tt.want)
			}
		})
	}
}

func TestThreshold(t *testing.T) {
	scores := []float32{0.9, 0.9, 0.1, 0.1, 0.9, 0.9, 0.1, 0.9, 0.5}
	want := []uint8{1, 1, 0, 0, 1, 1, 0, 1, 0}

	got := Threshold(scores, DefaultThreshold)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Threshold = %v, want %v", got, want)
	}

	intervals := Intervals(got[:8])
	if !reflect.DeepEqual(intervals, []Interval{{2, 4}, {6, 7}}) {
		t.Errorf("unexpected intervals %v", intervals)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"zero sequence", func(c *Config) { c.SequenceLength = 0 }, true},
		{"step too large", func(c *Config) { c.StepSize = 101 }, true},
		{"slice past window", func(c *Config) { c.PaddingStart = 60 }, true},
		{"negative padding", func(c *Config) { c.PaddingStart = -1 }, true},
		{"threshold above one", func(c *Config) { c.Threshold = 1.5 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestWindowSeedAndSlide(t *testing.T) {
	first := make(video.Thumbnail, video.ThumbSize)
	w := NewWindow(SequenceLength)
	w.Seed(first, PaddingStart+1)

	if w.Len() != 26 {
		t.Fatalf("expected 26 seeded frames, got %d", w.Len())
	}
	if w.Full() {
		t.Fatal("seeded window should not be full")
	}

	for !w.Full() {
		w.Append(make(video.Thumbnail, video.ThumbSize))
	}
	w.Append(nil)
	if w.Len() != SequenceLength {
		t.Fatalf("expected %d frames, got %d", SequenceLength, w.Len())
	}

	w.Slide(StepSize)
	if w.Len() != SequenceLength-StepSize {
		t.Errorf("expected %d frames after slide, got %d", SequenceLength-StepSize, w.Len())
	}

	w.Slide(StepSize)
	w.Append(first)
	w.Slide(StepSize)
	if w.Len() != 0 {
		t.Errorf("expected drained window, got %d", w.Len())
	}
}

func TestWindowPadAndTensor(t *testing.T) {
	w := NewWindow(4)
	for i := 1; i <= 2; i++ {
		thumb := make(video.Thumbnail, video.ThumbSize)
		thumb[0] = byte(i)
		w.Append(thumb)
	}
	w.PadToSize()
	if !w.Full() {
		t.Fatal("expected padded window to be full")
	}

	tensor := w.Tensor(nil)
	if len(tensor) != 4*video.ThumbSize {
		t.Fatalf("unexpected tensor length %d", len(tensor))
	}
	for i, want := range []float32{1, 2, 2, 2} {
		if got := tensor[i*video.ThumbSize]; got != want {
			t.Errorf("position %d: expected %v, got %v", i, want, got)
		}
	}

	reused := w.Tensor(tensor)
	if &reused[0] != &tensor[0] {
		t.Error("expected tensor buffer to be reused")
	}
}

func TestDetectorSeedsFirstWindow(t *testing.T) {
	engine := &echoEngine{outputs: SequenceLength}
	if _, err := newDetector(engine).Scores(context.Background(), &stubSource{n: 200}); err != nil {
		t.Fatalf("Scores failed: %v", err)
	}

	first := engine.captured[0]
	for i := 0; i <= PaddingStart; i++ {
		if first[i*video.ThumbSize] != 0 {
			t.Fatalf("position %d should be a copy of frame 0, got %v", i, first[i*video.ThumbSize])
		}
	}
	if got := first[(PaddingStart+1)*video.ThumbSize]; got != 1 {
		t.Errorf("position %d should hold frame 1, got %v", PaddingStart+1, got)
	}
}

func TestDetectorScoreAlignment(t *testing.T) {
	tests := []struct {
		frames int
		calls  int
	}{
		{frames: 1, calls: 1},
		{frames: 10, calls: 1},
		{frames: 50, calls: 1},
		{frames: 74, calls: 2},
		{frames: 100, calls: 2},
		{frames: 120, calls: 3},
		{frames: 250, calls: 5},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d frames", tt.frames), func(t *testing.T) {
			engine := &echoEngine{outputs: SequenceLength}
			scores, err := newDetector(engine).Scores(context.Background(), &stubSource{n: tt.frames})
			if err != nil {
				t.Fatalf("Scores failed: %v", err)
			}

			if len(scores) != tt.frames {
				t.Fatalf("expected %d scores, got %d", tt.frames, len(scores))
			}
			if engine.calls != tt.calls {
				t.Errorf("expected %d inference calls, got %d", tt.calls, engine.calls)
			}
			for i, s := range scores {
				if s != float32(i%256) {
					t.Fatalf("score %d came from frame %v", i, s)
				}
			}
		})
	}
}

func TestDetectorFewerFramesThanWindow(t *testing.T) {
	engine := &echoEngine{outputs: SequenceLength}
	intervals, err := newDetector(engine).Detect(context.Background(), &stubSource{n: 30})
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if engine.calls != 1 {
		t.Errorf("expected one inference call, got %d", engine.calls)
	}
	// Scores are frame indices, so only frame 0 is below the threshold.
	if !reflect.DeepEqual(intervals, []Interval{{0, 1}}) {
		t.Errorf("unexpected intervals %v", intervals)
	}
}

func TestDetectorIdempotent(t *testing.T) {
	run := func() []Interval {
		intervals, err := newDetector(&echoEngine{outputs: SequenceLength}).Detect(context.Background(), &stubSource{n: 333})
		if err != nil {
			t.Fatalf("Detect failed: %v", err)
		}
		return intervals
	}

	first, second := run(), run()
	if !reflect.DeepEqual(first, second) {
		t.Errorf("results differ: %v vs %v", first, second)
	}
}

func TestDetectorCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := &echoEngine{outputs: SequenceLength}
	var callsAtCancel int
	src := &stubSource{n: 10000, onFrame: func(i int) {
		if i == 160 {
			callsAtCancel = engine.calls
			cancel()
		}
	}}

	scores, err := newDetector(engine).Scores(ctx, src)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if scores != nil {
		t.Error("expected no partial scores")
	}
	if engine.calls > callsAtCancel+1 {
		t.Errorf("expected at most one window after cancel, got %d", engine.calls-callsAtCancel)
	}
	if src.next >= 10000 {
		t.Error("detection kept sampling after cancel")
	}
}

func TestDetectorErrors(t *testing.T) {
	boom := fmt.Errorf("%w: boom", ai.ErrInference)

	tests := []struct {
		name   string
		engine *echoEngine
		frames int
		want   error
	}{
		{"no frames", &echoEngine{outputs: SequenceLength}, 0, ErrNoFrames},
		{"reported output too short", &echoEngine{outputs: 60}, 10, ErrOutputShape},
		{"returned output too short", &echoEngine{outputs: SequenceLength, short: true}, 10, ErrOutputShape},
		{"inference failure", &echoEngine{outputs: SequenceLength, fail: boom}, 10, ai.ErrInference},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newDetector(tt.engine).Detect(context.Background(), &stubSource{n: tt.frames})
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestDetectorProgress(t *testing.T) {
	d := newDetector(&echoEngine{outputs: SequenceLength})
	var windows []int
	d.OnProgress(func(w int, frames int64) {
		windows = append(windows, w)
	})

	if _, err := d.Detect(context.Background(), &stubSource{n: 120}); err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if !reflect.DeepEqual(windows, []int{1, 2, 3}) {
		t.Errorf("unexpected progress %v", windows)
	}
}

// scriptedDecoder replays a list of NextFrame results.
type scriptedDecoder struct {
	steps   []error
	decoded int64
}

func (d *scriptedDecoder) Info() video.StreamInfo { return video.StreamInfo{Width: 64, Height: 36} }

func (d *scriptedDecoder) NextFrame(ctx context.Context) (*video.Frame, error) {
	if len(d.steps) == 0 {
		return nil, io.EOF
	}
	step := d.steps[0]
	d.steps = d.steps[1:]
	if step != nil {
		return nil, step
	}
	d.decoded++
	return &video.Frame{Width: 64, Height: 36, Pix: make([]byte, 64*36*4), PTS: d.decoded - 1}, nil
}

func (d *scriptedDecoder) SeekBackward(ctx context.Context, pts int64) error { return nil }
func (d *scriptedDecoder) Flush()                                            {}
func (d *scriptedDecoder) DecodedCount() int64                               { return d.decoded }
func (d *scriptedDecoder) Close() error                                      { return nil }

func TestSampler(t *testing.T) {
	dec := &scriptedDecoder{steps: []error{nil, video.ErrAgain, nil, video.ErrDecode, nil}}
	s := NewSampler(dec, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		thumb, err := s.Sample(ctx)
		if err != nil {
			t.Fatalf("sample %d: %v", i, err)
		}
		if len(thumb) != video.ThumbSize {
			t.Fatalf("sample %d: expected %d bytes, got %d", i, video.ThumbSize, len(thumb))
		}
	}
	if s.Done() {
		t.Fatal("sampler done too early")
	}

	if _, err := s.Sample(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected decode failure to end the stream, got %v", err)
	}
	if !s.Done() {
		t.Error("expected sampler to be done")
	}
	if _, err := s.Sample(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after end, got %v", err)
	}
	if s.Sampled() != 2 {
		t.Errorf("expected 2 sampled frames, got %d", s.Sampled())
	}
}

func TestSamplerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dec := &scriptedDecoder{steps: []error{context.Canceled}}
	s := NewSampler(dec, zerolog.Nop())
	if _, err := s.Sample(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if s.Done() {
		t.Error("cancellation must not mark the stream done")
	}
}
