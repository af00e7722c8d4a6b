// Package overlay creates a demo X11 overlay window that can be handed to the
// tracker, and paints a badge describing the tracked target into it.
package overlay

import (
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/overlaysync/internal/logger"
	"github.com/bryanchriswhite/overlaysync/internal/window"
)

// Options describe the overlay window
type Options struct {
	Title      string
	Instance   string
	Class      string
	Background uint32 // 0xRRGGBB
}

// DefaultOptions returns the options used by `track --create-overlay`
func DefaultOptions() Options {
	return Options{
		Title:      "overlaysync overlay",
		Instance:   "overlaysync",
		Class:      "OverlaySync",
		Background: 0x202020,
	}
}

// Window is an unmapped top-level window. The tracker maps, moves and raises
// it while a target is attached. It runs on its own connection so that its
// Expose events do not mix with the observer's notifications.
type Window struct {
	conn       *xgb.Conn
	screen     *xproto.ScreenInfo
	id         xproto.Window
	gc         xproto.Gcontext
	readerDone chan struct{}

	mu       sync.Mutex
	closed   bool
	onExpose func()
}

// Open connects to display (empty means $DISPLAY) and creates the overlay
// window there. It stays unmapped until shown.
func Open(display string, opts Options) (*Window, error) {
	conn, err := xgb.NewConnDisplay(display)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}
	w, err := create(conn, xproto.Setup(conn).DefaultScreen(conn), opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	go w.readEvents()
	return w, nil
}

func create(conn *xgb.Conn, screen *xproto.ScreenInfo, opts Options) (*Window, error) {
	id, err := xproto.NewWindowId(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create window ID: %w", err)
	}

	mask := uint32(xproto.CwBackPixel | xproto.CwEventMask)
	values := []uint32{
		opts.Background,
		xproto.EventMaskExposure,
	}

	err = xproto.CreateWindowChecked(
		conn,
		screen.RootDepth,
		id,
		screen.Root,
		0, 0, // x, y
		1, 1, // resized on attach
		0, // border width
		xproto.WindowClassInputOutput,
		screen.RootVisual,
		mask,
		values,
	).Check()
	if err != nil {
		return nil, fmt.Errorf("failed to create window: %w", err)
	}

	gc, err := xproto.NewGcontextId(conn)
	if err != nil {
		xproto.DestroyWindow(conn, id)
		return nil, fmt.Errorf("failed to create GC ID: %w", err)
	}
	err = xproto.CreateGCChecked(
		conn,
		gc,
		xproto.Drawable(id),
		xproto.GcForeground|xproto.GcBackground,
		[]uint32{0xffffffff, 0x00000000},
	).Check()
	if err != nil {
		xproto.DestroyWindow(conn, id)
		return nil, fmt.Errorf("failed to create GC: %w", err)
	}

	w := &Window{conn: conn, screen: screen, id: id, gc: gc, readerDone: make(chan struct{})}

	log := logger.WithComponent("overlay")
	for _, prop := range windowProperties(opts) {
		if err := w.setProperty(prop); err != nil {
			log.Warn().Err(err).Str("property", prop.name).Msg("Failed to set window property")
		}
	}

	conn.Sync()
	log.Info().Stringer("window", w.Handle()).Msg("Overlay window created")
	return w, nil
}

// OnExpose registers fn to be called whenever the window contents were lost
// and have to be painted again.
func (w *Window) OnExpose(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onExpose = fn
}

func (w *Window) readEvents() {
	log := logger.WithComponent("overlay")
	defer close(w.readerDone)

	for {
		ev, err := w.conn.WaitForEvent()
		if ev == nil && err == nil {
			return
		}
		if err != nil {
			log.Debug().Err(err).Msg("X11 error event")
			continue
		}
		if !needsRepaint(ev, w.id) {
			continue
		}

		w.mu.Lock()
		fn := w.onExpose
		w.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
}

// needsRepaint reports whether ev is the last Expose of a series on win
func needsRepaint(ev xgb.Event, win xproto.Window) bool {
	e, ok := ev.(xproto.ExposeEvent)
	return ok && e.Window == win && e.Count == 0
}

// Handle returns the window handle to pass to the tracker
func (w *Window) Handle() window.Handle {
	return window.Handle(w.id)
}

// Close destroys the window and closes its connection
func (w *Window) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	xproto.FreeGC(w.conn, w.gc)
	err := xproto.DestroyWindowChecked(w.conn, w.id).Check()
	w.mu.Unlock()

	w.conn.Close()
	<-w.readerDone

	if err != nil {
		return fmt.Errorf("failed to destroy overlay window: %w", err)
	}
	logger.WithComponent("overlay").Info().Stringer("window", w.Handle()).Msg("Overlay window closed")
	return nil
}

// Paint draws img at the top-left corner of the window. Large images are sent
// in bands of rows that fit into one request.
func (w *Window) Paint(img *image.RGBA) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("overlay window %s is closed", w.Handle())
	}

	depth := w.screen.RootDepth
	setup := xproto.Setup(w.conn)

	var bitsPerPixel, scanlinePad uint8
	for _, format := range setup.PixmapFormats {
		if format.Depth == depth {
			bitsPerPixel = format.BitsPerPixel
			scanlinePad = format.ScanlinePad
			break
		}
	}
	if bitsPerPixel != 32 {
		return fmt.Errorf("unsupported pixmap format: depth %d, %d bits per pixel", depth, bitsPerPixel)
	}

	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	if width == 0 || height == 0 {
		return nil
	}
	padBytes := int(scanlinePad) / 8
	stride := ((width*4 + padBytes - 1) / padBytes) * padBytes

	// PutImage header is 24 bytes; MaximumRequestLength counts 4-byte units
	maxData := int(setup.MaximumRequestLength)*4 - 24
	rowsPerRequest := maxData / stride
	if rowsPerRequest < 1 {
		return fmt.Errorf("image row of %d bytes exceeds the maximum request size", stride)
	}

	for top := 0; top < height; top += rowsPerRequest {
		rows := rowsPerRequest
		if top+rows > height {
			rows = height - top
		}
		data := toBGRX(img, top, rows, stride, depth == 32)

		err := xproto.PutImageChecked(
			w.conn,
			xproto.ImageFormatZPixmap,
			xproto.Drawable(w.id),
			w.gc,
			uint16(width),
			uint16(rows),
			0, int16(top), // dst x, y
			0, // left pad
			depth,
			data,
		).Check()
		if err != nil {
			return fmt.Errorf("failed to put image: %w", err)
		}
	}
	return nil
}

// toBGRX converts rows [top, top+rows) of img to the X11 32bpp byte order
// matching visual masks 0xff (B), 0xff00 (G), 0xff0000 (R).
func toBGRX(img *image.RGBA, top, rows, stride int, keepAlpha bool) []byte {
	width := img.Bounds().Dx()
	data := make([]byte, stride*rows)
	for y := 0; y < rows; y++ {
		src := img.Pix[(top+y)*img.Stride:]
		dst := data[y*stride:]
		for x := 0; x < width; x++ {
			i := x * 4
			dst[i] = src[i+2]
			dst[i+1] = src[i+1]
			dst[i+2] = src[i]
			if keepAlpha {
				dst[i+3] = src[i+3]
			}
		}
	}
	return data
}

const (
	wmHintsInput          = 1 << 0 // InputHint flag of WM_HINTS
	motifHintsDecorations = 1 << 1 // MWM_HINTS_DECORATIONS
)

// property is one window property set before the overlay is first mapped.
// Exactly one of data and atoms is used; atoms are interned by name.
type property struct {
	name   string
	typ    string
	format byte
	data   []byte
	atoms  []string
}

// windowProperties keeps the overlay undecorated and out of the focus chain,
// so mapping it never moves _NET_ACTIVE_WINDOW away from the target.
func windowProperties(opts Options) []property {
	return []property{
		{name: "_NET_WM_NAME", typ: "UTF8_STRING", format: 8, data: []byte(opts.Title)},
		// instance\0class\0
		{name: "WM_CLASS", typ: "STRING", format: 8, data: []byte(opts.Instance + "\x00" + opts.Class + "\x00")},
		// flags, input, initial_state, icon_pixmap, icon_window, icon_x, icon_y, icon_mask, window_group
		{name: "WM_HINTS", typ: "WM_HINTS", format: 32, data: words(wmHintsInput, 0, 0, 0, 0, 0, 0, 0, 0)},
		// flags, functions, decorations, input_mode, status
		{name: "_MOTIF_WM_HINTS", typ: "_MOTIF_WM_HINTS", format: 32, data: words(motifHintsDecorations, 0, 0, 0, 0)},
		{name: "_NET_WM_WINDOW_TYPE", typ: "ATOM", format: 32, atoms: []string{"_NET_WM_WINDOW_TYPE_UTILITY"}},
		{name: "_NET_WM_STATE", typ: "ATOM", format: 32, atoms: []string{"_NET_WM_STATE_ABOVE"}},
	}
}

func words(values ...uint32) []byte {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		xgb.Put32(data[i*4:], v)
	}
	return data
}

func (w *Window) setProperty(p property) error {
	name, err := w.atom(p.name)
	if err != nil {
		return err
	}
	typ, err := w.atom(p.typ)
	if err != nil {
		return err
	}

	data := p.data
	if len(p.atoms) > 0 {
		values := make([]uint32, len(p.atoms))
		for i, a := range p.atoms {
			atom, err := w.atom(a)
			if err != nil {
				return err
			}
			values[i] = uint32(atom)
		}
		data = words(values...)
	}

	return xproto.ChangePropertyChecked(
		w.conn,
		xproto.PropModeReplace,
		w.id,
		name,
		typ,
		p.format,
		uint32(len(data)/int(p.format/8)),
		data,
	).Check()
}

func (w *Window) atom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(w.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, fmt.Errorf("failed to intern atom %s: %w", name, err)
	}
	return reply.Atom, nil
}
