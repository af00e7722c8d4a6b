package overlay

import (
	"image"
	"sync"

	"github.com/bryanchriswhite/overlaysync/internal/event"
	"github.com/bryanchriswhite/overlaysync/internal/logger"
)

// Canvas is a surface a Painter draws on
type Canvas interface {
	Paint(img *image.RGBA) error
}

// Painter is an event.Sink that repaints the badge of one overlay whenever
// the state of its target changes.
type Painter struct {
	canvas Canvas

	mu      sync.Mutex
	badge   Badge
	width   int
	height  int
	session uint32
}

// NewPainter creates a painter for the target titled title
func NewPainter(canvas Canvas, title string) *Painter {
	return &Painter{canvas: canvas, badge: Badge{Title: title}}
}

// Handle implements event.Sink
func (p *Painter) Handle(session uint32, e event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.session = session
	switch ev := e.(type) {
	case event.Attach:
		p.width, p.height = int(ev.Bounds.Width), int(ev.Bounds.Height)
		p.badge.Fullscreen = ev.Fullscreen != nil && *ev.Fullscreen
		p.badge.Focused = false
		// Focus follows immediately
		return
	case event.Focus:
		p.badge.Focused = true
	case event.Blur:
		p.badge.Focused = false
	case event.Fullscreen:
		p.badge.Fullscreen = ev.IsFullscreen
	case event.MoveResize:
		p.width, p.height = int(ev.Bounds.Width), int(ev.Bounds.Height)
	case event.Detach:
		p.width, p.height = 0, 0
		p.badge.Focused = false
		p.badge.Fullscreen = false
		return
	}

	p.paintLocked()
}

// Repaint draws the current badge again. It is a no-op while detached.
func (p *Painter) Repaint() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paintLocked()
}

func (p *Painter) paintLocked() {
	if p.width == 0 || p.height == 0 {
		return
	}
	if err := p.canvas.Paint(p.badge.Render(p.width, p.height)); err != nil {
		logger.WithSession("overlay", p.session).Debug().Err(err).Msg("Failed to paint overlay")
	}
}

// Badge returns the current badge state
func (p *Painter) Badge() Badge {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.badge
}
