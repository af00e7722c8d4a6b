// Package event defines the normalized target-window events and the channel
// that delivers them to a caller's sink.
package event

import (
	"github.com/bryanchriswhite/overlaysync/internal/window"
)

// Kind is the event discriminant
type Kind int

const (
	KindAttach Kind = iota + 1
	KindFocus
	KindBlur
	KindDetach
	KindFullscreen
	KindMoveResize
)

func (k Kind) String() string {
	switch k {
	case KindAttach:
		return "attach"
	case KindFocus:
		return "focus"
	case KindBlur:
		return "blur"
	case KindDetach:
		return "detach"
	case KindFullscreen:
		return "fullscreen"
	case KindMoveResize:
		return "moveresize"
	default:
		return "unknown"
	}
}

// Event is one of Attach, Focus, Blur, Detach, Fullscreen or MoveResize
type Event interface {
	Kind() Kind
	sealed()
}

// Attach is emitted when a window matching the title is found and bound
type Attach struct {
	// HasAccess is nil on platforms without an input access concept
	HasAccess *bool
	// Fullscreen is nil when the platform cannot tell
	Fullscreen *bool
	Bounds     window.Bounds
}

// Focus is emitted when the bound window becomes the foreground window
type Focus struct{}

// Blur is emitted when the bound window stops being the foreground window
type Blur struct{}

// Detach is emitted when the bound window is gone
type Detach struct{}

// Fullscreen is emitted when the bound window enters or leaves fullscreen
type Fullscreen struct {
	IsFullscreen bool
}

// MoveResize is emitted when the bound window moves or changes size
type MoveResize struct {
	Bounds window.Bounds
}

func (Attach) Kind() Kind     { return KindAttach }
func (Focus) Kind() Kind      { return KindFocus }
func (Blur) Kind() Kind       { return KindBlur }
func (Detach) Kind() Kind     { return KindDetach }
func (Fullscreen) Kind() Kind { return KindFullscreen }
func (MoveResize) Kind() Kind { return KindMoveResize }

func (Attach) sealed()     {}
func (Focus) sealed()      {}
func (Blur) sealed()       {}
func (Detach) sealed()     {}
func (Fullscreen) sealed() {}
func (MoveResize) sealed() {}

// Record is the tagged wire representation of an event
type Record struct {
	Type       string         `json:"type" yaml:"type"`
	Session    uint32         `json:"session,omitempty" yaml:"session,omitempty"`
	HasAccess  *bool          `json:"has_access,omitempty" yaml:"has_access,omitempty"`
	Fullscreen *bool          `json:"is_fullscreen,omitempty" yaml:"is_fullscreen,omitempty"`
	Bounds     *window.Bounds `json:"bounds,omitempty" yaml:"bounds,omitempty"`
}

// ToRecord converts e into its wire form
func ToRecord(session uint32, e Event) Record {
	r := Record{Type: e.Kind().String(), Session: session}
	switch ev := e.(type) {
	case Attach:
		b := ev.Bounds
		r.HasAccess = ev.HasAccess
		r.Fullscreen = ev.Fullscreen
		r.Bounds = &b
	case Fullscreen:
		r.Fullscreen = window.Bool(ev.IsFullscreen)
	case MoveResize:
		b := ev.Bounds
		r.Bounds = &b
	case Focus, Blur, Detach:
	}
	return r
}
