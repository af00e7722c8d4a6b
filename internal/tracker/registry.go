package tracker

import (
	"fmt"

	"github.com/bryanchriswhite/overlaysync/internal/event"
	"github.com/bryanchriswhite/overlaysync/internal/window"
)

// registry owns all tracking sessions. Ids come from a counter that only
// grows, so an id seen by a queued notification can never point at a newer
// session.
type registry struct {
	obs      window.Observer
	nextID   SessionID
	sessions map[SessionID]*session
	order    []SessionID
}

func newRegistry(obs window.Observer) *registry {
	return &registry{
		obs:      obs,
		nextID:   1,
		sessions: make(map[SessionID]*session),
	}
}

// create registers a new unbound session
func (r *registry) create(pattern string, overlay window.Handle, sink event.Sink) *session {
	id := r.nextID
	r.nextID++

	s := newSession(id, pattern, overlay, r.obs, sink)
	r.sessions[id] = s
	r.order = append(r.order, id)
	return s
}

// cancel tears the session down and forgets it
func (r *registry) cancel(id SessionID) error {
	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("cancel session %d: %w", id, ErrInvalidHandle)
	}
	s.cancel()
	delete(r.sessions, id)
	for i, other := range r.order {
		if other == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

func (r *registry) find(id SessionID) (*session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

// findByBoundTarget returns the sessions currently bound to h
func (r *registry) findByBoundTarget(h window.Handle) []*session {
	if h == window.None {
		return nil
	}
	var out []*session
	for _, id := range r.order {
		if s := r.sessions[id]; s.target == h {
			out = append(out, s)
		}
	}
	return out
}

// all returns every session in creation order
func (r *registry) all() []*session {
	out := make([]*session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id])
	}
	return out
}

func (r *registry) len() int {
	return len(r.sessions)
}
