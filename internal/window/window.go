package window

import (
	"errors"
	"fmt"
	"strconv"
)

// Handle identifies a native window. Handles are only ever compared for equality.
type Handle uint64

// None is the zero handle, meaning "no window"
const None Handle = 0

func (h Handle) String() string {
	return fmt.Sprintf("0x%x", uint64(h))
}

// ParseHandle parses a decimal or 0x-prefixed window id
func ParseHandle(s string) (Handle, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return None, fmt.Errorf("invalid window id %q: %w", s, err)
	}
	return Handle(v), nil
}

// Token identifies an active notification subscription
type Token uint64

// Bounds is the screen-space rectangle of a window's client area
type Bounds struct {
	X      int32  `json:"x" yaml:"x"`
	Y      int32  `json:"y" yaml:"y"`
	Width  uint32 `json:"width" yaml:"width"`
	Height uint32 `json:"height" yaml:"height"`
}

var (
	// ErrQueryFailed is returned when a window property cannot be read,
	// usually because the window went away.
	ErrQueryFailed = errors.New("window query failed")

	// ErrUnknownToken is returned when unsubscribing a token that is not active
	ErrUnknownToken = errors.New("unknown subscription token")
)

// Bool returns a pointer to v, for optional boolean fields.
func Bool(v bool) *bool {
	return &v
}

// Observer is the platform primitive the tracker is built on. Implementations
// must deliver every notification for subscribed windows on Notifications().
type Observer interface {
	// Title returns the window title. ok is false when the title cannot be
	// read or the window has none.
	Title(h Handle) (title string, ok bool)

	// Bounds returns the client-area bounds of the window
	Bounds(h Handle) (Bounds, error)

	// AccessLevel reports whether this process may send input to the window.
	// nil means the platform has no such concept.
	AccessLevel(h Handle) *bool

	// Fullscreen reports the fullscreen state of the window.
	// nil means unknown or not supported.
	Fullscreen(h Handle) *bool

	// Foreground returns the platform's live answer to "which window is
	// in the foreground right now".
	Foreground() Handle

	// IsFocused is a secondary focus query, independent from Foreground,
	// used to confirm or reject foreground notifications.
	IsFocused(h Handle) bool

	SubscribeForeground() (Token, error)
	SubscribeTitleChanged(h Handle) (Token, error)
	SubscribeGeometryChanged(h Handle) (Token, error)
	SubscribeDestroyed(h Handle) (Token, error)
	Unsubscribe(t Token) error

	SetBounds(h Handle, b Bounds) error
	Show(h Handle) error
	Hide(h Handle) error
	Raise(h Handle) error

	// RequestActivation asks the window manager to activate h on behalf of
	// requestor, the window this process currently considers active (None
	// if there is none).
	RequestActivation(h, requestor Handle) error

	// Notifications returns the stream of raw platform notifications
	Notifications() <-chan Notification
}

// OverlayPreparer is implemented by observers that need to adjust an overlay
// window once when tracking starts (e.g. hide it from taskbars).
type OverlayPreparer interface {
	PrepareOverlay(h Handle) error
}
