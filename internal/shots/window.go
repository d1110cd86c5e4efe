package shots

import "github.com/keagan/shotlens/internal/video"

// Window is the bounded run of thumbnails fed to one inference call
type Window struct {
	size   int
	frames []video.Thumbnail
}

// NewWindow creates an empty window that fills up to size frames
func NewWindow(size int) *Window {
	return &Window{
		size:   size,
		frames: make([]video.Thumbnail, 0, size),
	}
}

// Seed fills the window with copies of the first frame so the classifier
// sees context before frame 0.
func (w *Window) Seed(first video.Thumbnail, copies int) {
	w.frames = w.frames[:0]
	for i := 0; i < copies; i++ {
		w.frames = append(w.frames, first)
	}
}

// Append adds a frame at the back; empty thumbnails are ignored
func (w *Window) Append(t video.Thumbnail) {
	if len(t) == 0 {
		return
	}
	w.frames = append(w.frames, t)
}

// PadToSize replicates the last frame until the window is full
func (w *Window) PadToSize() {
	if len(w.frames) == 0 {
		return
	}
	last := w.frames[len(w.frames)-1]
	for len(w.frames) < w.size {
		w.frames = append(w.frames, last)
	}
}

func (w *Window) Len() int {
	return len(w.frames)
}

func (w *Window) Full() bool {
	return len(w.frames) >= w.size
}

// Tensor stacks the first size frames as [1, size, 27, 48, 3] raw byte
// values. dst is reused when large enough.
func (w *Window) Tensor(dst []float32) []float32 {
	n := w.size * video.ThumbSize
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]

	for i := 0; i < w.size && i < len(w.frames); i++ {
		off := i * video.ThumbSize
		for j, b := range w.frames[i] {
			dst[off+j] = float32(b)
		}
	}
	return dst
}

// Slide evicts up to step frames from the front
func (w *Window) Slide(step int) {
	if step > len(w.frames) {
		step = len(w.frames)
	}
	n := copy(w.frames, w.frames[step:])
	for i := n; i < len(w.frames); i++ {
		w.frames[i] = nil
	}
	w.frames = w.frames[:n]
}
