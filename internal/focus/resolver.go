// Package focus turns raw foreground-change notifications into a corrected
// stream of genuine foreground transitions.
//
// Some platforms report a foreground change for a window that never actually
// receives input focus when windows are switched quickly, and sometimes drop
// the notification for a real change altogether. The Resolver checks every
// notification against two independent queries and runs a periodic
// reconciliation poll that catches missed transitions.
package focus

import (
	"time"

	"github.com/bryanchriswhite/overlaysync/internal/logger"
	"github.com/bryanchriswhite/overlaysync/internal/window"
)

// DefaultPollInterval matches a 12 fps foreground re-check
const DefaultPollInterval = 83 * time.Millisecond

// Prober is the subset of window.Observer the resolver needs
type Prober interface {
	Foreground() window.Handle
	IsFocused(h window.Handle) bool
	SubscribeTitleChanged(h window.Handle) (window.Token, error)
	Unsubscribe(t window.Token) error
}

// Resolver owns the process-wide foreground state. It is not safe for
// concurrent use; the tracker loop is its only caller.
type Resolver struct {
	probe       Prober
	current     window.Handle
	titleHook   *window.Subscription
	onConfirmed func(window.Handle)
}

// NewResolver creates a resolver that calls onConfirmed for every confirmed
// foreground transition.
func NewResolver(probe Prober, onConfirmed func(window.Handle)) *Resolver {
	return &Resolver{
		probe:       probe,
		onConfirmed: onConfirmed,
	}
}

// Current returns the last confirmed foreground window
func (r *Resolver) Current() window.Handle {
	return r.current
}

// Sync adopts the live foreground window without any confirmation, used once
// at startup when there is no notification to confirm.
func (r *Resolver) Sync() {
	r.confirm(r.probe.Foreground())
}

// OnForegroundNotification handles a raw foreground-changed notification
func (r *Resolver) OnForegroundNotification(candidate window.Handle) {
	log := logger.WithComponent("focus")

	if live := r.probe.Foreground(); live != candidate {
		if !r.probe.IsFocused(candidate) {
			log.Debug().
				Stringer("candidate", candidate).
				Stringer("live", live).
				Msg("Discarding false-positive foreground notification")
			return
		}
		log.Debug().
			Stringer("candidate", candidate).
			Stringer("live", live).
			Msg("Live foreground query was stale, accepted by focused-state check")
	}

	if candidate == r.current {
		r.rehook()
		return
	}
	r.confirm(candidate)
}

// rehook retries a title subscription that failed when the current window
// was confirmed. Title changes may have been missed meanwhile, so the window
// is handed on once more for re-evaluation.
func (r *Resolver) rehook() {
	if r.titleHook != nil || r.current == window.None {
		return
	}
	if !r.subscribeTitle(r.current) {
		return
	}
	if r.onConfirmed != nil {
		r.onConfirmed(r.current)
	}
}

// PollTick re-queries the foreground window and forces a transition the
// platform failed to notify about. An empty foreground is adopted once the
// last confirmed window has lost focus too.
func (r *Resolver) PollTick() {
	live := r.probe.Foreground()
	if live == r.current {
		return
	}
	if live == window.None {
		if r.probe.IsFocused(r.current) {
			return
		}
	} else if !r.probe.IsFocused(live) {
		return
	}

	logger.WithComponent("focus").Debug().
		Stringer("previous", r.current).
		Stringer("live", live).
		Msg("Poll caught a missed foreground transition")
	r.confirm(live)
}

// Close releases the title-change subscription
func (r *Resolver) Close() error {
	err := r.titleHook.Release()
	r.titleHook = nil
	return err
}

func (r *Resolver) confirm(h window.Handle) {
	log := logger.WithComponent("focus")

	if err := r.titleHook.Release(); err != nil {
		log.Warn().Err(err).Msg("Failed to release title-change subscription")
	}
	r.titleHook = nil

	if h != window.None {
		r.subscribeTitle(h)
	}

	r.current = h
	log.Debug().Stringer("window", h).Msg("Foreground changed")

	if r.onConfirmed != nil {
		r.onConfirmed(h)
	}
}

func (r *Resolver) subscribeTitle(h window.Handle) bool {
	token, err := r.probe.SubscribeTitleChanged(h)
	if err != nil {
		logger.WithComponent("focus").Warn().
			Err(err).
			Stringer("window", h).
			Msg("Failed to subscribe to title changes of foreground window")
		return false
	}
	r.titleHook = window.NewSubscription(r.probe, token)
	return true
}
