package tracker

import (
	"fmt"

	"github.com/bryanchriswhite/overlaysync/internal/event"
	"github.com/bryanchriswhite/overlaysync/internal/logger"
	"github.com/bryanchriswhite/overlaysync/internal/window"
	"github.com/rs/zerolog"
)

// SessionID is the caller-visible handle of a tracking session
type SessionID uint32

// session binds a title pattern to an overlay window and an event channel.
// Only the tracker loop goroutine reads or writes its fields.
//
// States over target: Unbound (None), Bound-Unfocused, Bound-Focused, and
// Pending-Detach (pendingDestroy set until the next evaluation unbinds).
type session struct {
	id      SessionID
	pattern string
	overlay window.Handle
	obs     window.Observer
	channel *event.Channel
	log     *zerolog.Logger

	target         window.Handle
	focused        bool
	pendingDestroy bool
	fullscreen     *bool
	bounds         window.Bounds

	// geometryHook and destroyHook are non-nil exactly while target != None
	geometryHook *window.Subscription
	destroyHook  *window.Subscription

	// err is set when a subscription could not be acquired; a failed
	// session ignores notifications until cancelled.
	err error
}

func newSession(id SessionID, pattern string, overlay window.Handle, obs window.Observer, sink event.Sink) *session {
	return &session{
		id:      id,
		pattern: pattern,
		overlay: overlay,
		obs:     obs,
		channel: event.NewChannel(uint32(id), sink),
		log:     logger.WithSession("tracker", uint32(id)),
	}
}

// evaluate handles a confirmed foreground window h (or a title change of the
// current foreground window h). ok is false when the title is unavailable.
func (s *session) evaluate(h window.Handle, title string, ok bool) {
	if s.err != nil {
		return
	}

	if s.target != window.None {
		if s.target == h {
			if !s.focused {
				s.focused = true
				s.emit(event.Focus{})
				s.raiseOverlay()
			}
			return
		}

		if s.focused {
			s.focused = false
			s.emit(event.Blur{})
		}
		if s.pendingDestroy {
			s.detach()
		}
	}

	if !ok || title != s.pattern {
		return
	}

	if s.target != window.None {
		// another window with the same title took the foreground while the
		// previous one is still alive; close the old attachment first
		s.log.Debug().
			Stringer("old", s.target).
			Stringer("new", h).
			Msg("Rebinding to another window with the same title")
		s.detach()
	}
	s.attach(h)
}

// attach binds h. On any failure every subscription acquired so far is
// released and the session stays unbound.
func (s *session) attach(h window.Handle) {
	var geometry, destroy *window.Subscription
	committed := false
	defer func() {
		if committed {
			return
		}
		if err := geometry.Release(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to release geometry subscription")
		}
		if err := destroy.Release(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to release destroy subscription")
		}
	}()

	token, err := s.obs.SubscribeGeometryChanged(h)
	if err != nil {
		s.fail(fmt.Errorf("subscribe to geometry changes of %s: %w", h, err))
		return
	}
	geometry = window.NewSubscription(s.obs, token)

	token, err = s.obs.SubscribeDestroyed(h)
	if err != nil {
		s.fail(fmt.Errorf("subscribe to destruction of %s: %w", h, err))
		return
	}
	destroy = window.NewSubscription(s.obs, token)

	access := s.obs.AccessLevel(h)
	fullscreen := s.obs.Fullscreen(h)
	bounds, err := s.obs.Bounds(h)
	if err != nil {
		// the window most likely died right after becoming active
		s.log.Debug().
			Err(err).
			Stringer("window", h).
			Msg("Attach aborted, bounds unavailable")
		return
	}

	committed = true
	s.target = h
	s.geometryHook = geometry
	s.destroyHook = destroy
	s.pendingDestroy = false
	s.fullscreen = nil
	if fullscreen != nil {
		s.fullscreen = window.Bool(*fullscreen)
	}
	s.bounds = bounds

	s.log.Info().
		Stringer("window", h).
		Str("title", s.pattern).
		Int32("x", bounds.X).
		Int32("y", bounds.Y).
		Uint32("width", bounds.Width).
		Uint32("height", bounds.Height).
		Msg("Attached to target window")

	s.emit(event.Attach{HasAccess: access, Fullscreen: fullscreen, Bounds: bounds})
	s.focused = true
	s.emit(event.Focus{})

	s.raiseOverlay()
	s.moveOverlay(bounds)
}

// detach unbinds the current target and releases its subscriptions
func (s *session) detach() {
	s.log.Info().Stringer("window", s.target).Msg("Detached from target window")

	s.releaseHooks()
	s.target = window.None
	s.focused = false
	s.pendingDestroy = false
	s.fullscreen = nil
	s.bounds = window.Bounds{}
	s.emit(event.Detach{})

	if s.overlay != window.None {
		s.overlayCommand("hide", s.obs.Hide(s.overlay))
	}
}

// destroyed handles the destruction of h
func (s *session) destroyed(h window.Handle) {
	if s.err != nil || h == window.None || h != s.target {
		return
	}
	s.pendingDestroy = true
	s.evaluate(window.None, "", false)
}

// geometryChanged re-reads the bounds of the bound window
func (s *session) geometryChanged(h window.Handle) {
	if s.err != nil || h == window.None || h != s.target {
		return
	}
	bounds, err := s.obs.Bounds(h)
	if err != nil {
		s.log.Debug().Err(err).Msg("Skipping move/resize, bounds unavailable")
		return
	}
	s.bounds = bounds
	s.emit(event.MoveResize{Bounds: bounds})
	s.moveOverlay(bounds)
}

// propertyChanged handles a fullscreen state change of h. A nil state is
// queried from the observer.
func (s *session) propertyChanged(h window.Handle, state *bool) {
	if s.err != nil || h == window.None || h != s.target {
		return
	}
	if state == nil {
		state = s.obs.Fullscreen(h)
		if state == nil {
			return
		}
	}
	if s.fullscreen != nil && *s.fullscreen == *state {
		return
	}
	s.fullscreen = window.Bool(*state)
	s.emit(event.Fullscreen{IsFullscreen: *state})
}

// cancel releases everything the session owns
func (s *session) cancel() {
	s.releaseHooks()
	s.channel.Close()
}

func (s *session) fail(err error) {
	s.err = err
	s.log.Error().Err(err).Msg("Tracking session failed")
	s.channel.CloseWithError(err)
}

func (s *session) releaseHooks() {
	if err := s.geometryHook.Release(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to release geometry subscription")
	}
	if err := s.destroyHook.Release(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to release destroy subscription")
	}
	s.geometryHook = nil
	s.destroyHook = nil
}

func (s *session) emit(e event.Event) {
	if s.channel.Emit(e) == event.Closed {
		s.log.Debug().Stringer("event", e.Kind()).Msg("Sink closed, event dropped")
	}
}

func (s *session) raiseOverlay() {
	if s.overlay == window.None {
		return
	}
	s.overlayCommand("raise", s.obs.Raise(s.overlay))
	s.overlayCommand("show", s.obs.Show(s.overlay))
}

func (s *session) moveOverlay(b window.Bounds) {
	if s.overlay == window.None {
		return
	}
	s.overlayCommand("set-bounds", s.obs.SetBounds(s.overlay, b))
}

func (s *session) overlayCommand(op string, err error) {
	if err != nil {
		s.log.Debug().
			Err(err).
			Str("op", op).
			Stringer("overlay", s.overlay).
			Msg("Overlay command failed")
	}
}
