package video

import (
	"bytes"
	"image"
	"image/draw"
	"image/jpeg"
	"io"

	"github.com/nfnt/resize"
)

// Thumbnail geometry fed to the shot classifier.
const (
	ThumbWidth    = 48
	ThumbHeight   = 27
	ThumbChannels = 3
	ThumbSize     = ThumbWidth * ThumbHeight * ThumbChannels
)

// DefaultJPEGQuality matches a visually lossless still.
const DefaultJPEGQuality = 90

// Thumbnail is a 48x27 RGB frame, row-major, 3 interleaved bytes per pixel.
type Thumbnail []byte

// NewThumbnail resamples a decoded frame to the thumbnail geometry.
// No resampler state is kept between calls.
func NewThumbnail(f *Frame) Thumbnail {
	return ToRGB(Resample(f, ThumbWidth, ThumbHeight))
}

// Resample scales a frame to width x height with a bicubic filter.
func Resample(f *Frame, width, height int) *image.RGBA {
	scaled := resize.Resize(uint(width), uint(height), f.Image(), resize.Bicubic)
	if rgba, ok := scaled.(*image.RGBA); ok {
		return rgba
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), scaled, scaled.Bounds().Min, draw.Src)
	return dst
}

// ToRGB drops the alpha channel of an RGBA image.
func ToRGB(img *image.RGBA) []byte {
	b := img.Bounds()
	out := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y) : img.PixOffset(b.Max.X-1, y)+4]
		for x := 0; x < len(row); x += 4 {
			out = append(out, row[x], row[x+1], row[x+2])
		}
	}
	return out
}

// EncodeJPEG writes img as a baseline JPEG.
func EncodeJPEG(w io.Writer, img image.Image, quality int) error {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}

// EncodeJPEGBytes is EncodeJPEG into a fresh buffer.
func EncodeJPEGBytes(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeJPEG(&buf, img, quality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
