package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"

	"github.com/keagan/shotlens/internal/video"
	"github.com/keagan/shotlens/pkg/util"
)

// ProbeVideo extracts metadata of the first video stream of a file
func (e *Executor) ProbeVideo(ctx context.Context, filePath string) (video.StreamInfo, error) {
	if filePath == "" {
		return video.StreamInfo{}, fmt.Errorf("%w: file path is required", video.ErrOpen)
	}

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		filePath,
	}

	cmd := exec.CommandContext(ctx, e.ffprobePath, args...)
	output, err := cmd.Output()
	if err != nil {
		return video.StreamInfo{}, fmt.Errorf("%w: ffprobe failed: %v", video.ErrOpen, err)
	}

	return parseProbeOutput(output)
}

// parseProbeOutput selects the first stream whose codec type is video
func parseProbeOutput(output []byte) (video.StreamInfo, error) {
	var probe probeResult
	if err := json.Unmarshal(output, &probe); err != nil {
		return video.StreamInfo{}, fmt.Errorf("%w: failed to parse ffprobe output: %v", video.ErrOpen, err)
	}

	for _, stream := range probe.Streams {
		if stream.CodecType != "video" {
			continue
		}

		info := video.StreamInfo{
			Index:  stream.Index,
			Width:  stream.Width,
			Height: stream.Height,
			Codec:  stream.CodecName,
		}
		if info.Width <= 0 || info.Height <= 0 {
			return video.StreamInfo{}, fmt.Errorf("%w: video stream %d has no dimensions", video.ErrOpen, stream.Index)
		}

		info.Rotation = stream.rotation()

		rate, err := video.ParseRational(stream.RFrameRate)
		if err != nil || !rate.Valid() {
			rate, err = video.ParseRational(stream.AvgFrameRate)
		}
		if err != nil || !rate.Valid() {
			return video.StreamInfo{}, fmt.Errorf("%w: video stream %d has no frame rate", video.ErrOpen, stream.Index)
		}
		info.FrameRate = rate
		info.TimeBase = rate.Invert()

		duration := stream.Duration
		if duration == "" {
			duration = probe.Format.Duration
		}
		if dur, err := strconv.ParseFloat(duration, 64); err == nil {
			info.Duration = util.SecondsToDuration(dur)
		}

		if n, err := strconv.ParseInt(stream.NbFrames, 10, 64); err == nil && n > 0 {
			info.NumFrames = n
		} else if info.Duration > 0 {
			info.NumFrames = int64(info.Duration.Seconds()*rate.Float64() + 0.5)
		}

		return info, nil
	}

	return video.StreamInfo{}, video.ErrNoVideoStream
}

// probeResult matches ffprobe JSON output structure
type probeResult struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeStream struct {
	Index        int    `json:"index"`
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
	Duration     string `json:"duration"`
	NbFrames     string `json:"nb_frames"`
	Tags         struct {
		Rotate string `json:"rotate"`
	} `json:"tags"`
	SideData []struct {
		Rotation float64 `json:"rotation"`
	} `json:"side_data_list"`
}

// rotation reads the display matrix side data, falling back to the legacy
// rotate tag, normalized to [0, 360).
func (s probeStream) rotation() int {
	deg := 0
	if r, err := strconv.Atoi(s.Tags.Rotate); err == nil {
		deg = r
	}
	for _, sd := range s.SideData {
		if sd.Rotation != 0 {
			// display matrix rotation is counter-clockwise
			deg = -int(math.Round(sd.Rotation))
			break
		}
	}
	return ((deg % 360) + 360) % 360
}
