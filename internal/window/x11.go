package window

import (
	"fmt"
	"strings"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/overlaysync/internal/logger"
	"github.com/hashicorp/go-multierror"
)

// Event masks requested per subscription kind. A window's effective mask is
// the union over its live subscriptions.
const (
	foregroundMask = xproto.EventMaskPropertyChange
	titleMask      = xproto.EventMaskPropertyChange
	geometryMask   = xproto.EventMaskStructureNotify | xproto.EventMaskPropertyChange
	destroyMask    = xproto.EventMaskStructureNotify
)

type x11Atoms struct {
	netActiveWindow       xproto.Atom
	netWmName             xproto.Atom
	wmName                xproto.Atom
	utf8String            xproto.Atom
	netWmState            xproto.Atom
	netWmStateFullscreen  xproto.Atom
	netWmStateSkipTaskbar xproto.Atom
	netWmStateSkipPager   xproto.Atom
	netClientList         xproto.Atom
	wmClass               xproto.Atom
	netWmPid              xproto.Atom
}

type x11Subscription struct {
	kind NotificationKind
	win  xproto.Window
	mask uint32
}

// X11Observer implements Observer on top of an X11 connection using EWMH
// properties (_NET_ACTIVE_WINDOW, _NET_WM_NAME, _NET_WM_STATE).
type X11Observer struct {
	conn   *xgb.Conn
	root   xproto.Window
	screen *xproto.ScreenInfo
	atoms  x11Atoms

	mu        sync.Mutex
	nextToken Token
	subs      map[Token]x11Subscription

	notifications chan Notification
	stopChan      chan struct{}
	closeOnce     sync.Once
	readerDone    chan struct{}
}

// NewX11Observer connects to display (empty means $DISPLAY) and starts
// reading events.
func NewX11Observer(display string) (*X11Observer, error) {
	conn, err := xgb.NewConnDisplay(display)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	o := &X11Observer{
		conn:          conn,
		root:          screen.Root,
		screen:        screen,
		subs:          make(map[Token]x11Subscription),
		notifications: make(chan Notification, 256),
		stopChan:      make(chan struct{}),
		readerDone:    make(chan struct{}),
	}

	if err := o.internAtoms(); err != nil {
		conn.Close()
		return nil, err
	}

	go o.readEvents()
	return o, nil
}

func (o *X11Observer) internAtoms() error {
	names := []struct {
		name string
		dst  *xproto.Atom
	}{
		{"_NET_ACTIVE_WINDOW", &o.atoms.netActiveWindow},
		{"_NET_WM_NAME", &o.atoms.netWmName},
		{"WM_NAME", &o.atoms.wmName},
		{"UTF8_STRING", &o.atoms.utf8String},
		{"_NET_WM_STATE", &o.atoms.netWmState},
		{"_NET_WM_STATE_FULLSCREEN", &o.atoms.netWmStateFullscreen},
		{"_NET_WM_STATE_SKIP_TASKBAR", &o.atoms.netWmStateSkipTaskbar},
		{"_NET_WM_STATE_SKIP_PAGER", &o.atoms.netWmStateSkipPager},
		{"_NET_CLIENT_LIST", &o.atoms.netClientList},
		{"WM_CLASS", &o.atoms.wmClass},
		{"_NET_WM_PID", &o.atoms.netWmPid},
	}
	for _, n := range names {
		reply, err := xproto.InternAtom(o.conn, false, uint16(len(n.name)), n.name).Reply()
		if err != nil {
			return fmt.Errorf("failed to intern atom %s: %w", n.name, err)
		}
		*n.dst = reply.Atom
	}
	return nil
}

// Conn returns the underlying connection (shared with the screenshot adapter)
func (o *X11Observer) Conn() *xgb.Conn {
	return o.conn
}

// Screen returns the default screen
func (o *X11Observer) Screen() *xproto.ScreenInfo {
	return o.screen
}

// Close stops the reader, drops all subscriptions and closes the connection
func (o *X11Observer) Close() error {
	var result *multierror.Error
	o.closeOnce.Do(func() {
		o.mu.Lock()
		tokens := make([]Token, 0, len(o.subs))
		for t := range o.subs {
			tokens = append(tokens, t)
		}
		o.mu.Unlock()

		for _, t := range tokens {
			if err := o.Unsubscribe(t); err != nil {
				result = multierror.Append(result, err)
			}
		}

		close(o.stopChan)
		o.conn.Close()
		<-o.readerDone
	})
	return result.ErrorOrNil()
}

// Notifications implements Observer
func (o *X11Observer) Notifications() <-chan Notification {
	return o.notifications
}

// readEvents converts X events into notifications until the connection closes
func (o *X11Observer) readEvents() {
	log := logger.WithComponent("x11-observer")
	defer close(o.readerDone)
	defer close(o.notifications)

	for {
		ev, err := o.conn.WaitForEvent()
		if ev == nil && err == nil {
			log.Debug().Msg("X11 connection closed")
			return
		}
		if err != nil {
			// asynchronous errors from unchecked requests, e.g. BadWindow
			// after a window we were watching was destroyed
			log.Debug().Err(err).Msg("X11 error event")
			continue
		}

		n, ok := o.translate(ev)
		if !ok {
			continue
		}
		select {
		case o.notifications <- n:
		case <-o.stopChan:
			return
		}
	}
}

func (o *X11Observer) translate(ev xgb.Event) (Notification, bool) {
	return translateEvent(ev, o.root, o.atoms, o.Foreground)
}

// translateEvent maps an X event to a notification. foreground is only
// queried for _NET_ACTIVE_WINDOW changes on root.
func translateEvent(ev xgb.Event, root xproto.Window, atoms x11Atoms, foreground func() Handle) (Notification, bool) {
	switch e := ev.(type) {
	case xproto.PropertyNotifyEvent:
		switch {
		case e.Atom == atoms.netActiveWindow:
			if e.Window != root {
				return Notification{}, false
			}
			return Notification{Kind: ForegroundChanged, Window: foreground()}, true
		case e.Window == root:
			return Notification{}, false
		case e.Atom == atoms.netWmName || e.Atom == atoms.wmName:
			return Notification{Kind: TitleChanged, Window: Handle(e.Window)}, true
		case e.Atom == atoms.netWmState:
			return Notification{Kind: PropertyChanged, Window: Handle(e.Window)}, true
		}
	case xproto.ConfigureNotifyEvent:
		// with SubstructureNotify the event window is the parent
		if e.Event != e.Window {
			return Notification{}, false
		}
		return Notification{Kind: GeometryChanged, Window: Handle(e.Window)}, true
	case xproto.DestroyNotifyEvent:
		return Notification{Kind: Destroyed, Window: Handle(e.Window)}, true
	}
	return Notification{}, false
}

// Title implements Observer, preferring _NET_WM_NAME over WM_NAME
func (o *X11Observer) Title(h Handle) (string, bool) {
	if h == None {
		return "", false
	}
	win := xproto.Window(h)
	if title, err := o.getProperty(win, o.atoms.netWmName, o.atoms.utf8String); err == nil && title != "" {
		return title, true
	}
	if title, err := o.getProperty(win, o.atoms.wmName, xproto.GetPropertyTypeAny); err == nil && title != "" {
		return title, true
	}
	return "", false
}

// Bounds implements Observer. The origin is translated to root coordinates
// because the geometry of a reparented client is relative to its frame.
func (o *X11Observer) Bounds(h Handle) (Bounds, error) {
	win := xproto.Window(h)
	geom, err := xproto.GetGeometry(o.conn, xproto.Drawable(win)).Reply()
	if err != nil {
		return Bounds{}, fmt.Errorf("geometry of %s: %w: %v", h, ErrQueryFailed, err)
	}
	translated, err := xproto.TranslateCoordinates(o.conn, win, o.root, 0, 0).Reply()
	if err != nil {
		return Bounds{}, fmt.Errorf("translate coordinates of %s: %w: %v", h, ErrQueryFailed, err)
	}
	return Bounds{
		X:      int32(translated.DstX),
		Y:      int32(translated.DstY),
		Width:  uint32(geom.Width),
		Height: uint32(geom.Height),
	}, nil
}

// AccessLevel implements Observer; X11 has no input access restrictions
func (o *X11Observer) AccessLevel(Handle) *bool {
	return nil
}

// Fullscreen implements Observer using _NET_WM_STATE_FULLSCREEN
func (o *X11Observer) Fullscreen(h Handle) *bool {
	reply, err := xproto.GetProperty(o.conn, false, xproto.Window(h), o.atoms.netWmState, xproto.AtomAtom, 0, (1<<32)-1).Reply()
	if err != nil {
		return nil
	}
	for i := 0; i+4 <= len(reply.Value); i += 4 {
		if xproto.Atom(xgb.Get32(reply.Value[i:])) == o.atoms.netWmStateFullscreen {
			return Bool(true)
		}
	}
	return Bool(false)
}

// Foreground implements Observer by reading _NET_ACTIVE_WINDOW
func (o *X11Observer) Foreground() Handle {
	reply, err := xproto.GetProperty(o.conn, false, o.root, o.atoms.netActiveWindow, xproto.AtomWindow, 0, 1).Reply()
	if err != nil || len(reply.Value) < 4 {
		return None
	}
	return Handle(xgb.Get32(reply.Value))
}

// IsFocused implements Observer. The input focus usually sits on the client
// window or one of its children, so the focus window's ancestry is searched.
func (o *X11Observer) IsFocused(h Handle) bool {
	if h == None {
		return false
	}
	focus, err := xproto.GetInputFocus(o.conn).Reply()
	if err != nil {
		return false
	}

	win := focus.Focus
	for depth := 0; depth < 16 && win != xproto.WindowNone && win != o.root; depth++ {
		if Handle(win) == h {
			return true
		}
		tree, err := xproto.QueryTree(o.conn, win).Reply()
		if err != nil {
			return false
		}
		win = tree.Parent
	}
	return false
}

// SubscribeForeground implements Observer
func (o *X11Observer) SubscribeForeground() (Token, error) {
	return o.subscribe(ForegroundChanged, o.root, foregroundMask)
}

// SubscribeTitleChanged implements Observer
func (o *X11Observer) SubscribeTitleChanged(h Handle) (Token, error) {
	return o.subscribe(TitleChanged, xproto.Window(h), titleMask)
}

// SubscribeGeometryChanged implements Observer. It also covers _NET_WM_STATE
// changes, which carry the fullscreen flag.
func (o *X11Observer) SubscribeGeometryChanged(h Handle) (Token, error) {
	return o.subscribe(GeometryChanged, xproto.Window(h), geometryMask)
}

// SubscribeDestroyed implements Observer
func (o *X11Observer) SubscribeDestroyed(h Handle) (Token, error) {
	return o.subscribe(Destroyed, xproto.Window(h), destroyMask)
}

func (o *X11Observer) subscribe(kind NotificationKind, win xproto.Window, mask uint32) (Token, error) {
	if win == xproto.WindowNone {
		return 0, fmt.Errorf("subscribe %s: no window", kind)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.nextToken++
	token := o.nextToken
	o.subs[token] = x11Subscription{kind: kind, win: win, mask: mask}

	if err := o.applyMaskLocked(win, true); err != nil {
		delete(o.subs, token)
		return 0, fmt.Errorf("subscribe %s on %s: %w", kind, Handle(win), err)
	}
	return token, nil
}

// Unsubscribe implements Observer
func (o *X11Observer) Unsubscribe(t Token) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	sub, ok := o.subs[t]
	if !ok {
		return fmt.Errorf("unsubscribe %d: %w", t, ErrUnknownToken)
	}
	delete(o.subs, t)

	// the window may already be gone, so the result is not checked
	_ = o.applyMaskLocked(sub.win, false)
	return nil
}

// applyMaskLocked sets the union mask of all live subscriptions on win
func (o *X11Observer) applyMaskLocked(win xproto.Window, checked bool) error {
	mask := combinedMask(o.subs, win)
	if checked {
		return xproto.ChangeWindowAttributesChecked(o.conn, win, xproto.CwEventMask, []uint32{mask}).Check()
	}
	xproto.ChangeWindowAttributes(o.conn, win, xproto.CwEventMask, []uint32{mask})
	return nil
}

func combinedMask(subs map[Token]x11Subscription, win xproto.Window) uint32 {
	var mask uint32
	for _, s := range subs {
		if s.win == win {
			mask |= s.mask
		}
	}
	return mask
}

// SetBounds implements Observer
func (o *X11Observer) SetBounds(h Handle, b Bounds) error {
	mask := uint16(xproto.ConfigWindowX | xproto.ConfigWindowY | xproto.ConfigWindowWidth | xproto.ConfigWindowHeight)
	values := []uint32{uint32(b.X), uint32(b.Y), b.Width, b.Height}
	if err := xproto.ConfigureWindowChecked(o.conn, xproto.Window(h), mask, values).Check(); err != nil {
		return fmt.Errorf("configure %s: %w", h, err)
	}
	return nil
}

// Show implements Observer
func (o *X11Observer) Show(h Handle) error {
	if err := xproto.MapWindowChecked(o.conn, xproto.Window(h)).Check(); err != nil {
		return fmt.Errorf("map %s: %w", h, err)
	}
	return nil
}

// Hide implements Observer
func (o *X11Observer) Hide(h Handle) error {
	if err := xproto.UnmapWindowChecked(o.conn, xproto.Window(h)).Check(); err != nil {
		return fmt.Errorf("unmap %s: %w", h, err)
	}
	return nil
}

// Raise implements Observer
func (o *X11Observer) Raise(h Handle) error {
	err := xproto.ConfigureWindowChecked(o.conn, xproto.Window(h), xproto.ConfigWindowStackMode, []uint32{xproto.StackModeAbove}).Check()
	if err != nil {
		return fmt.Errorf("raise %s: %w", h, err)
	}
	return nil
}

// RequestActivation implements Observer with an EWMH _NET_ACTIVE_WINDOW
// client message, source indication 1 (application).
func (o *X11Observer) RequestActivation(h, requestor Handle) error {
	ev := activationMessage(o.atoms.netActiveWindow, h, requestor)
	mask := uint32(xproto.EventMaskSubstructureNotify | xproto.EventMaskSubstructureRedirect)
	if err := xproto.SendEventChecked(o.conn, false, o.root, mask, string(ev.Bytes())).Check(); err != nil {
		return fmt.Errorf("activate %s: %w", h, err)
	}
	return nil
}

// activationMessage builds the _NET_ACTIVE_WINDOW request for h. data32[2]
// carries the requestor's active window, which window managers use for
// focus stealing prevention.
func activationMessage(netActiveWindow xproto.Atom, h, requestor Handle) xproto.ClientMessageEvent {
	return xproto.ClientMessageEvent{
		Format: 32,
		Window: xproto.Window(h),
		Type:   netActiveWindow,
		Data: xproto.ClientMessageDataUnionData32New([]uint32{
			1, // source indication: application
			xproto.TimeCurrentTime,
			uint32(requestor),
			0, 0,
		}),
	}
}

// PrepareOverlay implements OverlayPreparer by keeping the overlay out of
// taskbars and pagers.
func (o *X11Observer) PrepareOverlay(h Handle) error {
	for _, atom := range []xproto.Atom{o.atoms.netWmStateSkipTaskbar, o.atoms.netWmStateSkipPager} {
		data := make([]byte, 4)
		xgb.Put32(data, uint32(atom))
		err := xproto.ChangePropertyChecked(o.conn, xproto.PropModeAppend, xproto.Window(h),
			o.atoms.netWmState, xproto.AtomAtom, 32, 1, data).Check()
		if err != nil {
			return fmt.Errorf("set _NET_WM_STATE on %s: %w", h, err)
		}
	}
	return nil
}

// Info describes a top-level window
type Info struct {
	Handle Handle `json:"id" yaml:"id"`
	Title  string `json:"title" yaml:"title"`
	Class  string `json:"class" yaml:"class"`
	PID    int    `json:"pid" yaml:"pid"`
	Bounds Bounds `json:"bounds" yaml:"bounds"`
}

// ListWindows returns managed top-level windows from _NET_CLIENT_LIST,
// falling back to the children of the root window.
func (o *X11Observer) ListWindows() ([]Info, error) {
	log := logger.WithComponent("x11-observer")

	ids, err := o.clientList()
	if err != nil || len(ids) == 0 {
		log.Debug().Err(err).Msg("ListWindows: _NET_CLIENT_LIST unavailable, falling back to QueryTree")
		tree, err := xproto.QueryTree(o.conn, o.root).Reply()
		if err != nil {
			return nil, fmt.Errorf("failed to query window tree: %w", err)
		}
		ids = tree.Children
	}

	windows := make([]Info, 0, len(ids))
	for _, win := range ids {
		info := o.Info(Handle(win))
		if info.Title == "" && info.Class == "" {
			continue
		}
		windows = append(windows, info)
	}
	return windows, nil
}

func (o *X11Observer) clientList() ([]xproto.Window, error) {
	reply, err := xproto.GetProperty(o.conn, false, o.root, o.atoms.netClientList, xproto.GetPropertyTypeAny, 0, (1<<32)-1).Reply()
	if err != nil {
		return nil, err
	}
	ids := make([]xproto.Window, 0, len(reply.Value)/4)
	for i := 0; i+4 <= len(reply.Value); i += 4 {
		ids = append(ids, xproto.Window(xgb.Get32(reply.Value[i:])))
	}
	return ids, nil
}

// Info collects title, class, pid and bounds of h; missing fields stay zero
func (o *X11Observer) Info(h Handle) Info {
	info := Info{Handle: h}
	info.Title, _ = o.Title(h)
	if b, err := o.Bounds(h); err == nil {
		info.Bounds = b
	}

	// WM_CLASS is instance\0class\0
	if raw, err := o.getProperty(xproto.Window(h), o.atoms.wmClass, xproto.GetPropertyTypeAny); err == nil {
		parts := strings.Split(raw, "\x00")
		if len(parts) >= 2 && parts[1] != "" {
			info.Class = parts[1]
		} else if parts[0] != "" {
			info.Class = parts[0]
		}
	}

	reply, err := xproto.GetProperty(o.conn, false, xproto.Window(h), o.atoms.netWmPid, xproto.AtomCardinal, 0, 1).Reply()
	if err == nil && len(reply.Value) >= 4 {
		info.PID = int(xgb.Get32(reply.Value))
	}
	return info
}

// getProperty gets a property value as a string
func (o *X11Observer) getProperty(win xproto.Window, atom, typ xproto.Atom) (string, error) {
	reply, err := xproto.GetProperty(o.conn, false, win, atom, typ, 0, (1<<32)-1).Reply()
	if err != nil {
		return "", err
	}
	if reply.ValueLen == 0 {
		return "", fmt.Errorf("empty property")
	}
	return string(reply.Value), nil
}

var (
	_ Observer        = (*X11Observer)(nil)
	_ OverlayPreparer = (*X11Observer)(nil)
)
