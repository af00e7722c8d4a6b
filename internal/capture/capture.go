package capture

import (
	"fmt"
	"image"

	"github.com/bryanchriswhite/overlaysync/internal/window"
)

// PixelFormat is the byte order of a 4 bytes/pixel frame
type PixelFormat string

const (
	FormatBGRA PixelFormat = "bgra"
	FormatRGBA PixelFormat = "rgba"
)

// Frame is a top-down, 4 bytes/pixel image of a target's client area
type Frame struct {
	Width  uint32
	Height uint32
	Format PixelFormat
	Pix    []byte
}

// NewFrame allocates a zeroed frame
func NewFrame(width, height uint32, format PixelFormat) *Frame {
	return &Frame{
		Width:  width,
		Height: height,
		Format: format,
		Pix:    make([]byte, int(width)*int(height)*4),
	}
}

// Stride is the number of bytes per row
func (f *Frame) Stride() int {
	return int(f.Width) * 4
}

// RGBA converts the frame to an image, swapping channels when needed
func (f *Frame) RGBA() (*image.RGBA, error) {
	if len(f.Pix) < f.Stride()*int(f.Height) {
		return nil, fmt.Errorf("frame buffer too small: %d bytes for %dx%d", len(f.Pix), f.Width, f.Height)
	}

	img := image.NewRGBA(image.Rect(0, 0, int(f.Width), int(f.Height)))
	switch f.Format {
	case FormatRGBA:
		copy(img.Pix, f.Pix)
	case FormatBGRA:
		for i := 0; i+3 < len(img.Pix); i += 4 {
			img.Pix[i] = f.Pix[i+2]
			img.Pix[i+1] = f.Pix[i+1]
			img.Pix[i+2] = f.Pix[i]
			img.Pix[i+3] = 255
		}
	default:
		return nil, fmt.Errorf("unsupported pixel format: %q", f.Format)
	}
	return img, nil
}

// Screenshotter captures the pixels of a screen region
type Screenshotter interface {
	// Capture copies width x height pixels starting at the origin of bounds.
	Capture(bounds window.Bounds, width, height uint32) (*Frame, error)

	// Format is the native pixel format of captured frames
	Format() PixelFormat
}
