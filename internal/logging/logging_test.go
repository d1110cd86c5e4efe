package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestInitLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	tests := map[string]zerolog.Level{
		"debug":    zerolog.DebugLevel,
		"warn":     zerolog.WarnLevel,
		"":         zerolog.InfoLevel,
		"nonsense": zerolog.InfoLevel,
	}
	for level, want := range tests {
		Init(level, true)
		if got := zerolog.GlobalLevel(); got != want {
			t.Errorf("Init(%q): expected %s, got %s", level, want, got)
		}
	}
}

func TestNewLoggerWriters(t *testing.T) {
	var a, b bytes.Buffer
	logger := WithComponent(NewLogger(&a, &b), "test")
	logger.Warn().Msg("hello")

	for _, buf := range []*bytes.Buffer{&a, &b} {
		if !strings.Contains(buf.String(), `"message":"hello"`) {
			t.Errorf("missing message in %q", buf.String())
		}
		if !strings.Contains(buf.String(), `"component":"test"`) {
			t.Errorf("missing component in %q", buf.String())
		}
	}
}
