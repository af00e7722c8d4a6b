package window

// NotificationKind is the class of a raw platform notification
type NotificationKind int

const (
	ForegroundChanged NotificationKind = iota + 1
	TitleChanged
	GeometryChanged
	Destroyed
	PropertyChanged
)

func (k NotificationKind) String() string {
	switch k {
	case ForegroundChanged:
		return "foreground"
	case TitleChanged:
		return "title"
	case GeometryChanged:
		return "geometry"
	case Destroyed:
		return "destroyed"
	case PropertyChanged:
		return "property"
	default:
		return "unknown"
	}
}

// Notification is a single platform event about a window
type Notification struct {
	Kind   NotificationKind
	Window Handle

	// Fullscreen carries the new fullscreen state for PropertyChanged
	// notifications when the platform reports it inline. nil means the
	// receiver has to query it.
	Fullscreen *bool
}
