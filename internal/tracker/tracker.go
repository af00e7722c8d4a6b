// Package tracker keeps overlay windows synchronized with tracked target
// windows.
//
// All session and foreground state is owned by the goroutine running
// Tracker.Run. Commands from other goroutines are submitted to that loop one
// at a time and block until the loop has executed them, so they look
// synchronous to the caller while never racing with notification dispatch.
package tracker

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/overlaysync/internal/capture"
	"github.com/bryanchriswhite/overlaysync/internal/event"
	"github.com/bryanchriswhite/overlaysync/internal/focus"
	"github.com/bryanchriswhite/overlaysync/internal/logger"
	"github.com/bryanchriswhite/overlaysync/internal/window"
	"github.com/hashicorp/go-multierror"
)

// Config controls the tracker loop
type Config struct {
	// PollInterval is the period of the foreground reconciliation poll
	PollInterval time.Duration
}

// DefaultConfig returns the default tracker configuration
func DefaultConfig() Config {
	return Config{PollInterval: focus.DefaultPollInterval}
}

// SessionInfo is a snapshot of one tracking session
type SessionInfo struct {
	ID         SessionID     `json:"id" yaml:"id"`
	Title      string        `json:"title" yaml:"title"`
	Overlay    window.Handle `json:"overlay_window" yaml:"overlay_window"`
	Target     window.Handle `json:"target_window" yaml:"target_window"`
	Attached   bool          `json:"attached" yaml:"attached"`
	Focused    bool          `json:"focused" yaml:"focused"`
	Fullscreen *bool         `json:"is_fullscreen" yaml:"is_fullscreen"`
	Bounds     window.Bounds `json:"bounds" yaml:"bounds"`
	Error      string        `json:"error,omitempty" yaml:"error,omitempty"`
}

type task struct {
	fn   func()
	done chan struct{}
}

// Tracker runs the tracking loop for any number of sessions
type Tracker struct {
	obs      window.Observer
	shooter  capture.Screenshotter
	cfg      Config
	resolver *focus.Resolver
	registry *registry

	tasks    chan *task
	submitMu sync.Mutex
	running  atomic.Bool
	stopped  chan struct{}
}

// New creates a tracker. shooter may be nil when screenshots are not needed.
func New(obs window.Observer, shooter capture.Screenshotter, cfg Config) *Tracker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = focus.DefaultPollInterval
	}

	t := &Tracker{
		obs:      obs,
		shooter:  shooter,
		cfg:      cfg,
		registry: newRegistry(obs),
		tasks:    make(chan *task, 1),
		stopped:  make(chan struct{}),
	}
	t.resolver = focus.NewResolver(obs, t.foregroundChanged)
	return t
}

// Run owns all tracking state until ctx is cancelled or the observer closes
// its notification stream. It may be called only once.
func (t *Tracker) Run(ctx context.Context) (err error) {
	if !t.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(t.stopped)

	// native event loops are bound to the thread that registered the hooks
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	log := logger.WithComponent("tracker")

	token, err := t.obs.SubscribeForeground()
	if err != nil {
		return fmt.Errorf("failed to subscribe to foreground changes: %w", err)
	}
	foregroundHook := window.NewSubscription(t.obs, token)
	defer func() {
		if shutdownErr := t.shutdown(foregroundHook); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	}()

	t.resolver.Sync()

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	log.Info().
		Dur("poll_interval", t.cfg.PollInterval).
		Stringer("foreground", t.resolver.Current()).
		Msg("Tracker loop started")

	notifications := t.obs.Notifications()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Tracker loop stopping")
			return nil
		case n, ok := <-notifications:
			if !ok {
				return ErrObserverClosed
			}
			t.dispatch(n)
		case <-ticker.C:
			t.resolver.PollTick()
		case tk := <-t.tasks:
			tk.fn()
			close(tk.done)
		}
	}
}

// Done is closed when Run has returned
func (t *Tracker) Done() <-chan struct{} {
	return t.stopped
}

func (t *Tracker) shutdown(foregroundHook *window.Subscription) error {
	var result *multierror.Error

	for _, s := range t.registry.all() {
		if err := t.registry.cancel(s.id); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := t.resolver.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("release title subscription: %w", err))
	}
	if err := foregroundHook.Release(); err != nil {
		result = multierror.Append(result, fmt.Errorf("release foreground subscription: %w", err))
	}
	return result.ErrorOrNil()
}

// dispatch routes one raw notification
func (t *Tracker) dispatch(n window.Notification) {
	switch n.Kind {
	case window.ForegroundChanged:
		t.resolver.OnForegroundNotification(n.Window)
	case window.TitleChanged:
		if n.Window != window.None && n.Window == t.resolver.Current() {
			t.foregroundChanged(n.Window)
		}
	case window.Destroyed:
		for _, s := range t.registry.findByBoundTarget(n.Window) {
			s.destroyed(n.Window)
		}
	case window.GeometryChanged:
		for _, s := range t.registry.findByBoundTarget(n.Window) {
			s.geometryChanged(n.Window)
		}
	case window.PropertyChanged:
		for _, s := range t.registry.findByBoundTarget(n.Window) {
			s.propertyChanged(n.Window, n.Fullscreen)
		}
	default:
		logger.WithComponent("tracker").Debug().
			Int("kind", int(n.Kind)).
			Msg("Ignoring unknown notification")
	}
}

// foregroundChanged evaluates h against every session. The title is read
// once and shared.
func (t *Tracker) foregroundChanged(h window.Handle) {
	title, ok := "", false
	if h != window.None {
		title, ok = t.obs.Title(h)
	}
	for _, s := range t.registry.all() {
		s.evaluate(h, title, ok)
	}
}

// do runs fn on the loop goroutine and waits for it to finish. Only one
// command is in flight at a time, so the commands of one goroutine run in
// call order. Concurrent callers queue on submitMu, which does not promise
// FIFO among waiters; their relative order is unspecified.
func (t *Tracker) do(ctx context.Context, fn func()) error {
	t.submitMu.Lock()
	defer t.submitMu.Unlock()

	tk := &task{fn: fn, done: make(chan struct{})}
	select {
	case t.tasks <- tk:
	case <-t.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-tk.done:
		return nil
	case <-t.stopped:
		// the loop may have exited with tk still buffered
		select {
		case <-tk.done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Track starts tracking windows titled exactly pattern. Events are delivered
// to sink. The current foreground window is evaluated immediately.
func (t *Tracker) Track(ctx context.Context, pattern string, overlay window.Handle, sink event.Sink) (SessionID, error) {
	if pattern == "" {
		return 0, ErrEmptyPattern
	}

	var (
		id  SessionID
		err error
	)
	if doErr := t.do(ctx, func() {
		id, err = t.track(pattern, overlay, sink)
	}); doErr != nil {
		return 0, doErr
	}
	return id, err
}

// track runs on the loop goroutine
func (t *Tracker) track(pattern string, overlay window.Handle, sink event.Sink) (SessionID, error) {
	if preparer, ok := t.obs.(window.OverlayPreparer); ok && overlay != window.None {
		if err := preparer.PrepareOverlay(overlay); err != nil {
			logger.WithComponent("tracker").Warn().
				Err(err).
				Stringer("overlay", overlay).
				Msg("Failed to prepare overlay window")
		}
	}

	s := t.registry.create(pattern, overlay, sink)
	current := t.resolver.Current()
	title, ok := "", false
	if current != window.None {
		title, ok = t.obs.Title(current)
	}
	s.evaluate(current, title, ok)

	if s.err != nil {
		err := s.err
		if cancelErr := t.registry.cancel(s.id); cancelErr != nil {
			logger.WithComponent("tracker").Warn().Err(cancelErr).Msg("Failed to drop failed session")
		}
		return 0, err
	}

	s.log.Info().
		Str("title", pattern).
		Stringer("overlay", overlay).
		Msg("Tracking started")
	return s.id, nil
}

// Cancel stops tracking and releases every subscription the session holds
func (t *Tracker) Cancel(ctx context.Context, id SessionID) error {
	var err error
	if doErr := t.do(ctx, func() {
		err = t.registry.cancel(id)
	}); doErr != nil {
		return doErr
	}
	if err == nil {
		logger.WithSession("tracker", uint32(id)).Info().Msg("Tracking cancelled")
	}
	return err
}

// Wait blocks until session id ends and returns the error that ended it.
// It returns nil once the session was cancelled or the tracker shut down.
func (t *Tracker) Wait(ctx context.Context, id SessionID) error {
	var (
		ch  *event.Channel
		err error
	)
	if doErr := t.do(ctx, func() {
		s, ok := t.registry.find(id)
		if !ok {
			err = fmt.Errorf("wait for session %d: %w", id, ErrInvalidHandle)
			return
		}
		ch = s.channel
	}); doErr != nil {
		return doErr
	}
	if err != nil {
		return err
	}

	select {
	case <-ch.Done():
		return ch.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActivateOverlay asks the platform to give the overlay window input focus
func (t *Tracker) ActivateOverlay(ctx context.Context, id SessionID) error {
	var err error
	if doErr := t.do(ctx, func() {
		s, ok := t.registry.find(id)
		if !ok {
			err = fmt.Errorf("activate overlay of session %d: %w", id, ErrInvalidHandle)
			return
		}
		if s.overlay == window.None {
			err = ErrNoOverlay
			return
		}
		err = t.obs.RequestActivation(s.overlay, s.target)
	}); doErr != nil {
		return doErr
	}
	return err
}

// FocusTarget asks the platform to give the bound target window input focus
func (t *Tracker) FocusTarget(ctx context.Context, id SessionID) error {
	var err error
	if doErr := t.do(ctx, func() {
		s, ok := t.registry.find(id)
		if !ok {
			err = fmt.Errorf("focus target of session %d: %w", id, ErrInvalidHandle)
			return
		}
		if s.target == window.None {
			err = ErrNotAttached
			return
		}
		err = t.obs.RequestActivation(s.target, s.overlay)
	}); doErr != nil {
		return doErr
	}
	return err
}

// Screenshot captures width x height pixels of the attached target's client
// area, starting at its last known origin. The capture itself runs on the
// calling goroutine.
func (t *Tracker) Screenshot(ctx context.Context, id SessionID, width, height uint32) (*capture.Frame, error) {
	if t.shooter == nil {
		return nil, ErrNoScreenshotter
	}

	var (
		bounds window.Bounds
		err    error
	)
	if doErr := t.do(ctx, func() {
		s, ok := t.registry.find(id)
		if !ok {
			err = fmt.Errorf("screenshot of session %d: %w", id, ErrInvalidHandle)
			return
		}
		if s.target == window.None {
			err = ErrNotAttached
			return
		}
		bounds = s.bounds
	}); doErr != nil {
		return nil, doErr
	}
	if err != nil {
		return nil, err
	}

	if width == 0 {
		width = bounds.Width
	}
	if height == 0 {
		height = bounds.Height
	}
	return t.shooter.Capture(bounds, width, height)
}

// PixelFormat returns the native format of screenshots, false when
// screenshots are not available.
func (t *Tracker) PixelFormat() (capture.PixelFormat, bool) {
	if t.shooter == nil {
		return "", false
	}
	return t.shooter.Format(), true
}

// Sessions returns a snapshot of all sessions in creation order
func (t *Tracker) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var out []SessionInfo
	if err := t.do(ctx, func() {
		for _, s := range t.registry.all() {
			out = append(out, s.info())
		}
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// Session returns a snapshot of one session
func (t *Tracker) Session(ctx context.Context, id SessionID) (SessionInfo, error) {
	var (
		info SessionInfo
		err  error
	)
	if doErr := t.do(ctx, func() {
		s, ok := t.registry.find(id)
		if !ok {
			err = fmt.Errorf("session %d: %w", id, ErrInvalidHandle)
			return
		}
		info = s.info()
	}); doErr != nil {
		return SessionInfo{}, doErr
	}
	return info, err
}

func (s *session) info() SessionInfo {
	info := SessionInfo{
		ID:       s.id,
		Title:    s.pattern,
		Overlay:  s.overlay,
		Target:   s.target,
		Attached: s.target != window.None,
		Focused:  s.focused,
		Bounds:   s.bounds,
	}
	if s.fullscreen != nil {
		info.Fullscreen = window.Bool(*s.fullscreen)
	}
	if s.err != nil {
		info.Error = s.err.Error()
	}
	return info
}
