package event

import (
	"sync"
)

// Sink receives the events of one tracking session. Handle is called from the
// channel's own goroutine, never from the tracker loop, one event at a time.
type Sink interface {
	Handle(session uint32, e Event)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(session uint32, e Event)

// Handle calls f(session, e)
func (f SinkFunc) Handle(session uint32, e Event) {
	f(session, e)
}

// Tee returns a Sink that hands every event to each of sinks in order
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(session uint32, e Event) {
		for _, s := range sinks {
			s.Handle(session, e)
		}
	})
}

// Status is the outcome of Emit
type Status int

const (
	// Queued means the event will be delivered to the sink
	Queued Status = iota
	// Closed means the channel was torn down and the event was dropped
	Closed
)

func (s Status) String() string {
	if s == Closed {
		return "closed"
	}
	return "queued"
}

// Channel delivers events to a Sink asynchronously and in emission order.
// Emit never blocks the caller.
type Channel struct {
	session uint32
	sink    Sink

	mu     sync.Mutex
	queue  []Event
	closed bool
	err    error

	wake chan struct{}
	done chan struct{}
}

// NewChannel starts a channel delivering to sink on behalf of session
func NewChannel(session uint32, sink Sink) *Channel {
	c := &Channel{
		session: session,
		sink:    sink,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go c.drain()
	return c
}

// Emit queues e for delivery. After Close it drops e and returns Closed.
func (c *Channel) Emit(e Event) Status {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Closed
	}
	c.queue = append(c.queue, e)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
		// drain goroutine already has a pending wake-up
	}
	return Queued
}

// Close stops accepting events. Events already queued are still delivered,
// after which Done is closed. Closing twice is a no-op.
func (c *Channel) Close() {
	c.CloseWithError(nil)
}

// CloseWithError closes the channel and records err as the reason
func (c *Channel) CloseWithError(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Err returns the error passed to CloseWithError, if any
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the channel is closed and fully drained
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) drain() {
	defer close(c.done)

	for range c.wake {
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				closed := c.closed
				c.mu.Unlock()
				if closed {
					return
				}
				break
			}
			e := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()

			c.sink.Handle(c.session, e)
		}
	}
}
