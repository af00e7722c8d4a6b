package capture

import (
	"fmt"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/overlaysync/internal/logger"
	"github.com/bryanchriswhite/overlaysync/internal/window"
)

// X11Capturer copies screen regions from the root window
type X11Capturer struct {
	conn   *xgb.Conn
	root   xproto.Window
	screen *xproto.ScreenInfo
	mu     sync.Mutex
}

// NewX11Capturer creates a capturer on an existing connection
func NewX11Capturer(conn *xgb.Conn, screen *xproto.ScreenInfo) (*X11Capturer, error) {
	if screen.RootDepth != 24 && screen.RootDepth != 32 {
		return nil, fmt.Errorf("unsupported root depth %d", screen.RootDepth)
	}
	return &X11Capturer{
		conn:   conn,
		root:   screen.Root,
		screen: screen,
	}, nil
}

// Format implements Screenshotter; ZPixmap data at depth 24/32 is BGRX
func (c *X11Capturer) Format() PixelFormat {
	return FormatBGRA
}

// Capture implements Screenshotter. It reads what is on screen at the region,
// so anything covering the target shows up in the frame. Parts of the region
// outside the screen are left black.
func (c *X11Capturer) Capture(bounds window.Bounds, width, height uint32) (*Frame, error) {
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("empty capture region %dx%d", width, height)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	frame := NewFrame(width, height, FormatBGRA)

	// GetImage fails with BadMatch unless the region lies inside the root
	x0, y0 := clamp(int(bounds.X), 0, int(c.screen.WidthInPixels)), clamp(int(bounds.Y), 0, int(c.screen.HeightInPixels))
	x1 := clamp(int(bounds.X)+int(width), 0, int(c.screen.WidthInPixels))
	y1 := clamp(int(bounds.Y)+int(height), 0, int(c.screen.HeightInPixels))
	if x1 <= x0 || y1 <= y0 {
		logger.WithComponent("x11-capturer").Debug().
			Int32("x", bounds.X).
			Int32("y", bounds.Y).
			Msg("Capture region is off screen")
		return frame, nil
	}

	w, h := x1-x0, y1-y0
	reply, err := xproto.GetImage(
		c.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(c.root),
		int16(x0), int16(y0),
		uint16(w), uint16(h),
		0xffffffff,
	).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", err)
	}

	srcStride := w * 4
	if len(reply.Data) < srcStride*h {
		return nil, fmt.Errorf("short image reply: %d bytes for %dx%d", len(reply.Data), w, h)
	}

	dstX, dstY := x0-int(bounds.X), y0-int(bounds.Y)
	stride := frame.Stride()
	for row := 0; row < h; row++ {
		src := reply.Data[row*srcStride : (row+1)*srcStride]
		off := (dstY+row)*stride + dstX*4
		dst := frame.Pix[off : off+srcStride]
		copy(dst, src)
		for i := 3; i < len(dst); i += 4 {
			dst[i] = 0xff
		}
	}
	return frame, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

var _ Screenshotter = (*X11Capturer)(nil)
