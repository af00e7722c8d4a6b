package window

// Unsubscriber releases subscription tokens
type Unsubscriber interface {
	Unsubscribe(t Token) error
}

// Subscription owns one subscription token and releases it exactly once.
// A nil *Subscription is valid and releases nothing.
type Subscription struct {
	owner    Unsubscriber
	token    Token
	released bool
}

// NewSubscription wraps a token obtained from owner
func NewSubscription(owner Unsubscriber, t Token) *Subscription {
	return &Subscription{owner: owner, token: t}
}

// Token returns the wrapped token
func (s *Subscription) Token() Token {
	if s == nil {
		return 0
	}
	return s.token
}

// Active reports whether the token has not been released yet
func (s *Subscription) Active() bool {
	return s != nil && !s.released
}

// Release unsubscribes the token. Subsequent calls do nothing.
func (s *Subscription) Release() error {
	if s == nil || s.released {
		return nil
	}
	s.released = true
	return s.owner.Unsubscribe(s.token)
}
