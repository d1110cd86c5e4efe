package util

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FormatDuration converts time.Duration to ffmpeg timestamp format
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	seconds := d.Seconds()
	hours := int(seconds / 3600)
	minutes := int((seconds - float64(hours*3600)) / 60)
	secs := seconds - float64(hours*3600) - float64(minutes*60)
	return fmt.Sprintf("%02d:%02d:%06.3f", hours, minutes, secs)
}

// ParseRatio parses an ffprobe ratio such as "30000/1001" or a bare integer.
func ParseRatio(s string) (int64, int64, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, "/")

	switch len(parts) {
	case 1:
		num, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid ratio: %s", s)
		}
		return num, 1, nil

	case 2:
		num, err1 := strconv.ParseInt(parts[0], 10, 64)
		den, err2 := strconv.ParseInt(parts[1], 10, 64)
		if err1 != nil || err2 != nil {
			return 0, 0, fmt.Errorf("invalid ratio: %s", s)
		}
		if den == 0 {
			return 0, 0, fmt.Errorf("invalid ratio: zero denominator in %s", s)
		}
		return num, den, nil

	default:
		return 0, 0, fmt.Errorf("invalid ratio: %s", s)
	}
}

// SecondsToDuration converts fractional seconds to a time.Duration.
func SecondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
