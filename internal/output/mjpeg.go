// Package output encodes captured frames for streaming clients.
package output

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
)

// Boundary separates the parts of an MJPEG stream
const Boundary = "frame"

// DefaultQuality is the JPEG quality of streamed frames
const DefaultQuality = 80

// MJPEGWriter streams frames as Motion JPEG, one multipart/x-mixed-replace
// part per frame. Browsers render it directly in an <img> tag.
type MJPEGWriter struct {
	w       io.Writer
	flusher http.Flusher
	quality int
	buf     bytes.Buffer
	frames  uint64
}

// NewMJPEGWriter sets the stream headers on w. Nothing is written to the body
// until the first frame.
func NewMJPEGWriter(w http.ResponseWriter, quality int) *MJPEGWriter {
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+Boundary)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")

	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	flusher, _ := w.(http.Flusher)
	return &MJPEGWriter{w: w, flusher: flusher, quality: quality}
}

// WriteFrame encodes img and sends it as the next part
func (m *MJPEGWriter) WriteFrame(img image.Image) error {
	m.buf.Reset()
	if err := jpeg.Encode(&m.buf, img, &jpeg.Options{Quality: m.quality}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}

	if _, err := fmt.Fprintf(m.w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", Boundary, m.buf.Len()); err != nil {
		return err
	}
	if _, err := m.w.Write(m.buf.Bytes()); err != nil {
		return err
	}
	if _, err := io.WriteString(m.w, "\r\n"); err != nil {
		return err
	}

	if m.flusher != nil {
		m.flusher.Flush()
	}
	m.frames++
	return nil
}

// Frames returns the number of frames written so far
func (m *MJPEGWriter) Frames() uint64 {
	return m.frames
}
