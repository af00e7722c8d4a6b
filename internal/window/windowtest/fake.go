// Package windowtest provides an in-memory window.Observer for tests.
package windowtest

import (
	"fmt"
	"sync"

	"github.com/bryanchriswhite/overlaysync/internal/window"
)

// Window is the fake state of one native window
type Window struct {
	Title      string
	HasTitle   bool
	Bounds     window.Bounds
	BoundsErr  error
	Fullscreen *bool
	Access     *bool
}

// Subscription describes one live fake subscription
type Subscription struct {
	Kind   window.NotificationKind
	Window window.Handle
}

// Call records an overlay or activation command
type Call struct {
	Op        string
	Window    window.Handle
	Bounds    window.Bounds
	Requestor window.Handle
}

// Fake is a scriptable window.Observer. All methods are safe for concurrent use.
type Fake struct {
	mu         sync.Mutex
	windows    map[window.Handle]*Window
	foreground window.Handle
	focused    map[window.Handle]bool
	subs       map[window.Token]Subscription
	nextToken  window.Token
	calls      []Call
	misuse     []string
	failSub    map[window.NotificationKind]error

	notifications chan window.Notification
}

// New creates an empty fake
func New() *Fake {
	return &Fake{
		windows:       make(map[window.Handle]*Window),
		focused:       make(map[window.Handle]bool),
		subs:          make(map[window.Token]Subscription),
		failSub:       make(map[window.NotificationKind]error),
		notifications: make(chan window.Notification, 64),
	}
}

// AddWindow registers a titled window with the given bounds
func (f *Fake) AddWindow(h window.Handle, title string, b window.Bounds) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows[h] = &Window{Title: title, HasTitle: true, Bounds: b}
}

// Update mutates the fake state of h under the lock
func (f *Fake) Update(h window.Handle, fn func(w *Window)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.windows[h]
	if !ok {
		w = &Window{}
		f.windows[h] = w
	}
	fn(w)
}

// RemoveWindow forgets h; later queries on it fail
func (f *Fake) RemoveWindow(h window.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.windows, h)
}

// SetForeground sets the live foreground answer and marks h as focused for the
// secondary query.
func (f *Fake) SetForeground(h window.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.foreground != window.None {
		f.focused[f.foreground] = false
	}
	f.foreground = h
	if h != window.None {
		f.focused[h] = true
	}
}

// SetLiveForeground changes only the live foreground answer
func (f *Fake) SetLiveForeground(h window.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.foreground = h
}

// SetFocused changes only the secondary focused-state answer
func (f *Fake) SetFocused(h window.Handle, focused bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focused[h] = focused
}

// FailSubscribe makes every subsequent subscription of kind fail with err.
// A nil err clears the failure.
func (f *Fake) FailSubscribe(kind window.NotificationKind, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failSub, kind)
		return
	}
	f.failSub[kind] = err
}

// Notify queues a raw notification for the consumer of Notifications()
func (f *Fake) Notify(n window.Notification) {
	f.notifications <- n
}

// CloseNotifications ends the notification stream
func (f *Fake) CloseNotifications() {
	close(f.notifications)
}

// Subscriptions returns a snapshot of the live subscriptions
func (f *Fake) Subscriptions() map[window.Token]Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[window.Token]Subscription, len(f.subs))
	for t, s := range f.subs {
		out[t] = s
	}
	return out
}

// SubscriptionsFor counts live subscriptions of kind on h
func (f *Fake) SubscriptionsFor(kind window.NotificationKind, h window.Handle) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subs {
		if s.Kind == kind && s.Window == h {
			n++
		}
	}
	return n
}

// Calls returns the recorded overlay/activation commands
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Misuse returns descriptions of invalid token usage (double release, unknown token)
func (f *Fake) Misuse() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.misuse...)
}

func (f *Fake) Title(h window.Handle) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.windows[h]
	if !ok || !w.HasTitle {
		return "", false
	}
	return w.Title, true
}

func (f *Fake) Bounds(h window.Handle) (window.Bounds, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.windows[h]
	if !ok {
		return window.Bounds{}, fmt.Errorf("bounds of %s: %w", h, window.ErrQueryFailed)
	}
	if w.BoundsErr != nil {
		return window.Bounds{}, w.BoundsErr
	}
	return w.Bounds, nil
}

func (f *Fake) AccessLevel(h window.Handle) *bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.windows[h]; ok {
		return w.Access
	}
	return nil
}

func (f *Fake) Fullscreen(h window.Handle) *bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.windows[h]; ok {
		return w.Fullscreen
	}
	return nil
}

func (f *Fake) Foreground() window.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.foreground
}

func (f *Fake) IsFocused(h window.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.focused[h]
}

func (f *Fake) subscribe(kind window.NotificationKind, h window.Handle) (window.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failSub[kind]; err != nil {
		return 0, err
	}
	f.nextToken++
	f.subs[f.nextToken] = Subscription{Kind: kind, Window: h}
	return f.nextToken, nil
}

func (f *Fake) SubscribeForeground() (window.Token, error) {
	return f.subscribe(window.ForegroundChanged, window.None)
}

func (f *Fake) SubscribeTitleChanged(h window.Handle) (window.Token, error) {
	return f.subscribe(window.TitleChanged, h)
}

func (f *Fake) SubscribeGeometryChanged(h window.Handle) (window.Token, error) {
	return f.subscribe(window.GeometryChanged, h)
}

func (f *Fake) SubscribeDestroyed(h window.Handle) (window.Token, error) {
	return f.subscribe(window.Destroyed, h)
}

func (f *Fake) Unsubscribe(t window.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[t]; !ok {
		f.misuse = append(f.misuse, fmt.Sprintf("unsubscribe of inactive token %d", t))
		return window.ErrUnknownToken
	}
	delete(f.subs, t)
	return nil
}

func (f *Fake) record(op string, h window.Handle, b window.Bounds) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: op, Window: h, Bounds: b})
	return nil
}

func (f *Fake) SetBounds(h window.Handle, b window.Bounds) error {
	return f.record("set-bounds", h, b)
}

func (f *Fake) Show(h window.Handle) error {
	return f.record("show", h, window.Bounds{})
}

func (f *Fake) Hide(h window.Handle) error {
	return f.record("hide", h, window.Bounds{})
}

func (f *Fake) Raise(h window.Handle) error {
	return f.record("raise", h, window.Bounds{})
}

func (f *Fake) RequestActivation(h, requestor window.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "activate", Window: h, Requestor: requestor})
	return nil
}

func (f *Fake) Notifications() <-chan window.Notification {
	return f.notifications
}

var _ window.Observer = (*Fake)(nil)
