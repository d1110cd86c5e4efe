package ffmpeg

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/keagan/shotlens/internal/video"
	"github.com/rs/zerolog"
)

// skipIfNoFFmpeg skips the test if ffmpeg is not available
func skipIfNoFFmpeg(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not found in PATH - install with: brew install ffmpeg")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not found in PATH - install with: brew install ffmpeg")
	}
}

// generateTestVideo renders a 2-second 320x240 testsrc clip at 25 fps (50 frames)
func generateTestVideo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.mp4")
	cmd := exec.Command("ffmpeg", "-f", "lavfi", "-i", "testsrc=duration=2:size=320x240:rate=25",
		"-pix_fmt", "yuv420p", "-y", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Skipf("could not generate test video: %v\n%s", err, out)
	}
	return path
}

func TestParseProbeOutput(t *testing.T) {
	output := []byte(`{
		"format": {"duration": "10.000000"},
		"streams": [
			{"index": 0, "codec_type": "audio", "codec_name": "aac"},
			{"index": 1, "codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080,
			 "r_frame_rate": "30000/1001", "nb_frames": "300"},
			{"index": 2, "codec_type": "video", "codec_name": "mjpeg", "width": 10, "height": 10,
			 "r_frame_rate": "1/1"}
		]
	}`)

	info, err := parseProbeOutput(output)
	if err != nil {
		t.Fatalf("parseProbeOutput failed: %v", err)
	}
	if info.Index != 1 {
		t.Errorf("expected first video stream (1), got %d", info.Index)
	}
	if info.Width != 1920 || info.Height != 1080 {
		t.Errorf("expected 1920x1080, got %dx%d", info.Width, info.Height)
	}
	if info.FrameRate != (video.Rational{Num: 30000, Den: 1001}) {
		t.Errorf("unexpected frame rate %v", info.FrameRate)
	}
	if info.TimeBase != (video.Rational{Num: 1001, Den: 30000}) {
		t.Errorf("unexpected time base %v", info.TimeBase)
	}
	if info.NumFrames != 300 {
		t.Errorf("expected 300 frames, got %d", info.NumFrames)
	}
	if info.Duration != 10*time.Second {
		t.Errorf("expected 10s, got %v", info.Duration)
	}
}

func TestParseProbeOutputEstimatesFrameCount(t *testing.T) {
	output := []byte(`{"format": {"duration": "4.0"}, "streams": [
		{"index": 0, "codec_type": "video", "width": 64, "height": 48, "r_frame_rate": "25/1"}]}`)

	info, err := parseProbeOutput(output)
	if err != nil {
		t.Fatalf("parseProbeOutput failed: %v", err)
	}
	if info.NumFrames != 100 {
		t.Errorf("expected 100 estimated frames, got %d", info.NumFrames)
	}
}

func TestParseProbeOutputErrors(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   error
	}{
		{"audio only", `{"streams": [{"index": 0, "codec_type": "audio"}]}`, video.ErrNoVideoStream},
		{"no streams", `{"streams": []}`, video.ErrNoVideoStream},
		{"garbage", `not json`, video.ErrOpen},
		{"no frame rate", `{"streams": [{"index": 0, "codec_type": "video", "width": 4, "height": 4, "r_frame_rate": "0/0"}]}`, video.ErrOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseProbeOutput([]byte(tt.output))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestParseProbeOutputRotation(t *testing.T) {
	tests := []struct {
		name   string
		stream string
		want   int
	}{
		{"display matrix", `"side_data_list": [{"side_data_type": "Display Matrix", "rotation": -90}]`, 90},
		{"legacy tag", `"tags": {"rotate": "270"}`, 270},
		{"upside down", `"side_data_list": [{"side_data_type": "Display Matrix", "rotation": 180}]`, 180},
		{"none", `"tags": {"language": "und"}`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := []byte(`{"streams": [{"index": 0, "codec_type": "video", "width": 1920, "height": 1080,
				"r_frame_rate": "30/1", ` + tt.stream + `}]}`)

			info, err := parseProbeOutput(output)
			if err != nil {
				t.Fatalf("parseProbeOutput failed: %v", err)
			}
			if info.Rotation != tt.want {
				t.Errorf("expected rotation %d, got %d", tt.want, info.Rotation)
			}
			// frames are decoded unrotated, so the coded size stands
			if info.Width != 1920 || info.Height != 1080 {
				t.Errorf("expected coded 1920x1080, got %dx%d", info.Width, info.Height)
			}
		})
	}
}

func TestDecodeArgs(t *testing.T) {
	tests := []struct {
		name     string
		legacy   bool
		startPTS int64
		want     []string
	}{
		{"current ffmpeg", false, 0, []string{
			"-noautorotate", "-i", "in.mp4", "-map", "0:1", "-fps_mode", "passthrough",
			"-f", "rawvideo", "-pix_fmt", "rgba", "pipe:1",
		}},
		{"ffmpeg 4 after seek", true, 50, []string{
			"-ss", "00:00:01.980", "-noautorotate", "-i", "in.mp4", "-map", "0:1", "-vsync", "passthrough",
			"-f", "rawvideo", "-pix_fmt", "rgba", "pipe:1",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{
				exec:     &Executor{legacyVsync: tt.legacy},
				path:     "in.mp4",
				info:     video.StreamInfo{Index: 1, FrameRate: video.Rational{Num: 25, Den: 1}},
				startPTS: tt.startPTS,
			}
			if got := s.decodeArgs(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("decodeArgs() =\n%v\nwant\n%v", got, tt.want)
			}
		})
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		banner       string
		major, minor int
		ok           bool
	}{
		{"ffmpeg version 6.1.1 Copyright (c) 2000-2023 the FFmpeg developers\nbuilt with gcc", 6, 1, true},
		{"ffmpeg version 4.4.2-0ubuntu0.22.04.1 Copyright", 4, 4, true},
		{"ffmpeg version n5.0 Copyright", 5, 0, true},
		{"ffmpeg version N-112345-gabcdef Copyright", 0, 0, false},
		{"", 0, 0, false},
	}

	for _, tt := range tests {
		major, minor, ok := parseVersion([]byte(tt.banner))
		if major != tt.major || minor != tt.minor || ok != tt.ok {
			t.Errorf("parseVersion(%q) = %d, %d, %v; want %d, %d, %v",
				tt.banner, major, minor, ok, tt.major, tt.minor, tt.ok)
		}
	}
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(2)
	tb.add("a")
	tb.add("b")
	tb.add("c")
	if got := tb.String(); got != "b\nc" {
		t.Errorf("expected last two lines, got %q", got)
	}
}

func TestSessionDecodesAllFrames(t *testing.T) {
	skipIfNoFFmpeg(t)
	path := generateTestVideo(t)

	exec, err := New(zerolog.New(os.Stderr), Options{Threads: 2})
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	backend := NewBackend(exec, zerolog.Nop())

	ctx := context.Background()
	dec, err := backend.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if backend.OpenSessions() != 1 {
		t.Errorf("expected 1 open session, got %d", backend.OpenSessions())
	}

	info := dec.Info()
	if info.Width != 320 || info.Height != 240 {
		t.Errorf("expected 320x240, got %dx%d", info.Width, info.Height)
	}

	count := 0
	for {
		frame, err := dec.NextFrame(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextFrame failed after %d frames: %v", count, err)
		}
		if frame.PTS != int64(count) {
			t.Errorf("frame %d has pts %d", count, frame.PTS)
		}
		if len(frame.Pix) != 320*240*4 {
			t.Fatalf("unexpected frame size %d", len(frame.Pix))
		}
		count++
	}

	if count != 50 {
		t.Errorf("expected 50 frames, got %d", count)
	}
	if dec.DecodedCount() != 50 {
		t.Errorf("expected decoded count 50, got %d", dec.DecodedCount())
	}

	dec.Close()
	dec.Close()
	if backend.OpenSessions() != 0 {
		t.Errorf("expected 0 open sessions after close, got %d", backend.OpenSessions())
	}
	if _, err := dec.NextFrame(ctx); !errors.Is(err, video.ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
}

func TestSessionSeekBackward(t *testing.T) {
	skipIfNoFFmpeg(t)
	path := generateTestVideo(t)

	exec, err := New(zerolog.Nop(), Options{})
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	dec, err := NewBackend(exec, zerolog.Nop()).Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer dec.Close()

	ctx := context.Background()
	if err := dec.SeekBackward(ctx, 30); err != nil {
		t.Fatalf("SeekBackward failed: %v", err)
	}
	dec.Flush()

	frame, err := dec.NextFrame(ctx)
	if err != nil {
		t.Fatalf("NextFrame after seek failed: %v", err)
	}
	if frame.PTS != 30 {
		t.Errorf("expected pts 30 after seek, got %d", frame.PTS)
	}
	if dec.DecodedCount() != 31 {
		t.Errorf("expected decoded count 31, got %d", dec.DecodedCount())
	}

	remaining := 1
	for {
		if _, err := dec.NextFrame(ctx); err != nil {
			if err != io.EOF {
				t.Fatalf("unexpected error: %v", err)
			}
			break
		}
		remaining++
	}
	if remaining != 20 {
		t.Errorf("expected 20 frames from pts 30, got %d", remaining)
	}
}

func TestProbeVideoInvalidFile(t *testing.T) {
	skipIfNoFFmpeg(t)

	exec, err := New(zerolog.Nop(), Options{})
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}

	ctx := context.Background()
	if _, err := exec.ProbeVideo(ctx, "nonexistent.mp4"); !errors.Is(err, video.ErrOpen) {
		t.Errorf("expected ErrOpen for missing file, got %v", err)
	}

	invalidPath := filepath.Join(t.TempDir(), "invalid.txt")
	os.WriteFile(invalidPath, []byte("not a video"), 0644)
	if _, err := exec.ProbeVideo(ctx, invalidPath); err == nil {
		t.Error("ProbeVideo should fail for invalid video file")
	}
}
