package util

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00:00.000"},
		{1500 * time.Millisecond, "00:00:01.500"},
		{61 * time.Second, "00:01:01.000"},
		{3723 * time.Second, "01:02:03.000"},
		{-time.Second, "00:00:00.000"},
	}

	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseRatio(t *testing.T) {
	tests := []struct {
		in      string
		num     int64
		den     int64
		wantErr bool
	}{
		{"30/1", 30, 1, false},
		{"30000/1001", 30000, 1001, false},
		{"25", 25, 1, false},
		{"1/0", 0, 0, true},
		{"abc", 0, 0, true},
		{"1/2/3", 0, 0, true},
	}

	for _, tt := range tests {
		num, den, err := ParseRatio(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRatio(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if num != tt.num || den != tt.den {
			t.Errorf("ParseRatio(%q) = %d/%d, want %d/%d", tt.in, num, den, tt.num, tt.den)
		}
	}
}

func TestFramePath(t *testing.T) {
	got := FramePath("/tmp/shots", 42, "_mini", "jpg")
	want := filepath.Join("/tmp/shots", "00000042_mini.jpg")
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.jpg")

	if err := WriteFileAtomic(path, []byte("data")); err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if string(data) != "data" {
		t.Errorf("unexpected content %q", data)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only the target file, found %d entries", len(entries))
	}
}

func TestWriteFileAtomicMissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "out.jpg")
	if err := WriteFileAtomic(path, []byte("x")); err == nil {
		t.Error("expected error for missing directory")
	}
}
