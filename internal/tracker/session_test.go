package tracker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/overlaysync/internal/event"
	"github.com/bryanchriswhite/overlaysync/internal/window"
	"github.com/bryanchriswhite/overlaysync/internal/window/windowtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	editor  = window.Handle(0x100)
	target  = window.Handle(0x200)
	target2 = window.Handle(0x300)
	overlay = window.Handle(0x900)
)

var (
	boundsA = window.Bounds{X: 10, Y: 20, Width: 640, Height: 480}
	boundsB = window.Bounds{X: 50, Y: 60, Width: 800, Height: 600}
)

// recorder collects delivered events per session
type recorder struct {
	mu     sync.Mutex
	events map[uint32][]event.Event
}

func newRecorder() *recorder {
	return &recorder{events: make(map[uint32][]event.Event)}
}

func (r *recorder) Handle(session uint32, e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[session] = append(r.events[session], e)
}

func (r *recorder) of(id SessionID) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events[uint32(id)]...)
}

func (r *recorder) kinds(id SessionID) []event.Kind {
	var out []event.Kind
	for _, e := range r.of(id) {
		out = append(out, e.Kind())
	}
	return out
}

// harness drives a tracker without its loop goroutine so every step is
// deterministic. Event delivery is still asynchronous.
type harness struct {
	t    *testing.T
	fake *windowtest.Fake
	tr   *Tracker
	rec  *recorder
}

func newHarness(t *testing.T) *harness {
	fake := windowtest.New()
	fake.AddWindow(editor, "Editor", window.Bounds{Width: 100, Height: 100})
	fake.SetForeground(editor)
	return &harness{
		t:    t,
		fake: fake,
		tr:   New(fake, nil, DefaultConfig()),
		rec:  newRecorder(),
	}
}

func (h *harness) start() *harness {
	h.tr.resolver.Sync()
	return h
}

func (h *harness) track(pattern string, ov window.Handle) SessionID {
	h.t.Helper()
	id, err := h.tr.track(pattern, ov, h.rec)
	require.NoError(h.t, err)
	return id
}

func (h *harness) session(id SessionID) *session {
	h.t.Helper()
	s, ok := h.tr.registry.find(id)
	require.True(h.t, ok, "session %d", id)
	return s
}

// activate makes w the foreground window and delivers the notification
func (h *harness) activate(w window.Handle) {
	h.fake.SetForeground(w)
	h.notify(window.ForegroundChanged, w)
}

func (h *harness) notify(kind window.NotificationKind, w window.Handle) {
	h.tr.dispatch(window.Notification{Kind: kind, Window: w})
}

// waitKinds waits until exactly want has been delivered to id
func (h *harness) waitKinds(id SessionID, want ...event.Kind) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return len(h.rec.kinds(id)) >= len(want)
	}, time.Second, time.Millisecond, "waiting for %v, have %v", want, h.rec.kinds(id))
	require.Equal(h.t, want, h.rec.kinds(id))
}

// flush closes the channel of id and waits until it is drained
func (h *harness) flush(id SessionID) {
	h.t.Helper()
	s := h.session(id)
	s.channel.Close()
	select {
	case <-s.channel.Done():
	case <-time.After(time.Second):
		h.t.Fatal("channel did not drain")
	}
}

func (h *harness) overlayOps() []string {
	var ops []string
	for _, c := range h.fake.Calls() {
		if c.Window == overlay {
			ops = append(ops, c.Op)
		}
	}
	return ops
}

func TestScenarioAttachMoveBlurDestroy(t *testing.T) {
	h := newHarness(t).start()
	id := h.track("Target", overlay)

	assert.Equal(t, window.None, h.session(id).target, "no window titled Target yet")

	h.fake.AddWindow(target, "Target", boundsA)
	h.activate(target)
	h.waitKinds(id, event.KindAttach, event.KindFocus)

	attach, ok := h.rec.of(id)[0].(event.Attach)
	require.True(t, ok)
	assert.Equal(t, boundsA, attach.Bounds)
	assert.Nil(t, attach.HasAccess)

	h.fake.Update(target, func(w *windowtest.Window) { w.Bounds = boundsB })
	h.notify(window.GeometryChanged, target)
	h.waitKinds(id, event.KindAttach, event.KindFocus, event.KindMoveResize)
	assert.Equal(t, event.MoveResize{Bounds: boundsB}, h.rec.of(id)[2])

	h.activate(editor)
	h.waitKinds(id, event.KindAttach, event.KindFocus, event.KindMoveResize, event.KindBlur)

	h.fake.RemoveWindow(target)
	h.notify(window.Destroyed, target)
	h.flush(id)

	assert.Equal(t, []event.Kind{
		event.KindAttach, event.KindFocus, event.KindMoveResize, event.KindBlur, event.KindDetach,
	}, h.rec.kinds(id))

	s := h.session(id)
	assert.Equal(t, window.None, s.target)
	assert.False(t, s.pendingDestroy)
	assert.Zero(t, h.fake.SubscriptionsFor(window.GeometryChanged, target))
	assert.Zero(t, h.fake.SubscriptionsFor(window.Destroyed, target))
	assert.Empty(t, h.fake.Misuse())
}

func TestNoMatchingWindowProducesNoEvents(t *testing.T) {
	h := newHarness(t).start()
	id := h.track("Target", window.None)

	h.fake.AddWindow(target, "Something else", boundsA)
	h.activate(target)
	h.activate(editor)
	h.flush(id)

	assert.Empty(t, h.rec.of(id))
}

func TestOverlayFollowsTarget(t *testing.T) {
	h := newHarness(t).start()
	h.fake.AddWindow(target, "Target", boundsA)
	id := h.track("Target", overlay)

	h.activate(target)
	assert.Equal(t, []string{"raise", "show", "set-bounds"}, h.overlayOps())

	h.fake.Update(target, func(w *windowtest.Window) { w.Bounds = boundsB })
	h.notify(window.GeometryChanged, target)

	calls := h.fake.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, windowtest.Call{Op: "set-bounds", Window: overlay, Bounds: boundsB}, last)

	// blur leaves the overlay alone; refocus raises it again
	h.activate(editor)
	h.activate(target)
	assert.Equal(t, []string{"raise", "show", "set-bounds", "set-bounds", "raise", "show"}, h.overlayOps())

	h.fake.RemoveWindow(target)
	h.notify(window.Destroyed, target)
	ops := h.overlayOps()
	assert.Equal(t, "hide", ops[len(ops)-1])

	h.flush(id)
	assert.Equal(t, []event.Kind{
		event.KindAttach, event.KindFocus, event.KindMoveResize,
		event.KindBlur, event.KindFocus, event.KindBlur, event.KindDetach,
	}, h.rec.kinds(id))
}

func TestAttachWhenAlreadyForeground(t *testing.T) {
	h := newHarness(t)
	h.fake.AddWindow(target, "Target", boundsA)
	h.fake.SetForeground(target)
	h.start()

	id := h.track("Target", window.None)
	h.waitKinds(id, event.KindAttach, event.KindFocus)
	assert.Equal(t, target, h.session(id).target)
}

func TestRepeatedForegroundIsIdempotent(t *testing.T) {
	h := newHarness(t).start()
	h.fake.AddWindow(target, "Target", boundsA)
	id := h.track("Target", overlay)

	h.activate(target)
	h.activate(target)
	h.tr.foregroundChanged(target)
	h.tr.foregroundChanged(target)
	h.tr.resolver.PollTick()
	h.flush(id)

	assert.Equal(t, []event.Kind{event.KindAttach, event.KindFocus}, h.rec.kinds(id))
	assert.Equal(t, 1, h.fake.SubscriptionsFor(window.GeometryChanged, target))
	assert.Equal(t, 1, h.fake.SubscriptionsFor(window.Destroyed, target))
}

func TestExactTitleMatchOnly(t *testing.T) {
	h := newHarness(t).start()
	id := h.track("App", window.None)

	near := []struct {
		h     window.Handle
		title string
	}{
		{0x401, "app"},
		{0x402, "App - 1"},
		{0x403, "My App"},
		{0x404, "App "},
	}
	for _, w := range near {
		h.fake.AddWindow(w.h, w.title, boundsA)
		h.activate(w.h)
	}
	assert.Equal(t, window.None, h.session(id).target)

	h.fake.AddWindow(target, "App", boundsA)
	h.activate(target)
	h.flush(id)

	assert.Equal(t, []event.Kind{event.KindAttach, event.KindFocus}, h.rec.kinds(id))
	assert.Equal(t, target, h.session(id).target)
}

func TestWindowWithoutTitleIsIgnored(t *testing.T) {
	h := newHarness(t).start()
	id := h.track("Target", window.None)

	h.fake.Update(target, func(w *windowtest.Window) { w.Bounds = boundsA })
	h.activate(target)
	h.flush(id)

	assert.Empty(t, h.rec.of(id))
}

func TestFalsePositiveForegroundIsDiscarded(t *testing.T) {
	h := newHarness(t).start()
	h.fake.AddWindow(target, "Target", boundsA)
	h.fake.AddWindow(target2, "Other", boundsB)
	id := h.track("Target", window.None)
	h.activate(target)

	// target2 is reported but the live query still says target and target2
	// never got focus
	h.fake.SetFocused(target2, false)
	h.notify(window.ForegroundChanged, target2)

	assert.Equal(t, target, h.tr.resolver.Current())
	s := h.session(id)
	assert.True(t, s.focused)
	assert.Equal(t, target, s.target)

	h.flush(id)
	assert.Equal(t, []event.Kind{event.KindAttach, event.KindFocus}, h.rec.kinds(id))
}

func TestStaleLiveQueryAcceptedWhenFocused(t *testing.T) {
	h := newHarness(t).start()
	h.fake.AddWindow(target, "Target", boundsA)
	h.fake.AddWindow(target2, "Other", boundsB)
	id := h.track("Target", window.None)
	h.activate(target)

	h.fake.SetFocused(target, false)
	h.fake.SetFocused(target2, true)
	h.notify(window.ForegroundChanged, target2)

	assert.Equal(t, target2, h.tr.resolver.Current())
	h.flush(id)
	assert.Equal(t, []event.Kind{event.KindAttach, event.KindFocus, event.KindBlur}, h.rec.kinds(id))
}

func TestPollCatchesMissedTransition(t *testing.T) {
	h := newHarness(t).start()
	h.fake.AddWindow(target, "Target", boundsA)
	id := h.track("Target", window.None)

	// no notification at all
	h.fake.SetForeground(target)
	h.tr.resolver.PollTick()
	h.waitKinds(id, event.KindAttach, event.KindFocus)

	h.fake.SetForeground(editor)
	h.tr.resolver.PollTick()
	h.flush(id)
	assert.Equal(t, []event.Kind{event.KindAttach, event.KindFocus, event.KindBlur}, h.rec.kinds(id))
}

func TestTitleChangeOfForegroundWindow(t *testing.T) {
	h := newHarness(t).start()
	h.fake.AddWindow(target, "Untitled", boundsA)
	id := h.track("Report.txt", window.None)
	h.activate(target)
	assert.Equal(t, window.None, h.session(id).target)

	// title changes of background windows are ignored
	h.fake.AddWindow(target2, "Report.txt", boundsB)
	h.notify(window.TitleChanged, target2)
	assert.Equal(t, window.None, h.session(id).target)

	h.fake.Update(target, func(w *windowtest.Window) { w.Title = "Report.txt" })
	h.notify(window.TitleChanged, target)
	h.flush(id)

	assert.Equal(t, []event.Kind{event.KindAttach, event.KindFocus}, h.rec.kinds(id))
	assert.Equal(t, target, h.session(id).target)
}

func TestTitleSubscriptionFollowsForeground(t *testing.T) {
	h := newHarness(t).start()
	h.fake.AddWindow(target, "Target", boundsA)
	assert.Equal(t, 1, h.fake.SubscriptionsFor(window.TitleChanged, editor))

	h.activate(target)
	assert.Zero(t, h.fake.SubscriptionsFor(window.TitleChanged, editor))
	assert.Equal(t, 1, h.fake.SubscriptionsFor(window.TitleChanged, target))
}

func TestDestroyWhileFocused(t *testing.T) {
	h := newHarness(t).start()
	h.fake.AddWindow(target, "Target", boundsA)
	id := h.track("Target", window.None)
	h.activate(target)

	h.fake.RemoveWindow(target)
	h.notify(window.Destroyed, target)
	h.flush(id)

	assert.Equal(t, []event.Kind{event.KindAttach, event.KindFocus, event.KindBlur, event.KindDetach}, h.rec.kinds(id))
}

func TestDestroyOfOtherWindowIgnored(t *testing.T) {
	h := newHarness(t).start()
	h.fake.AddWindow(target, "Target", boundsA)
	id := h.track("Target", window.None)
	h.activate(target)

	h.notify(window.Destroyed, editor)
	h.notify(window.Destroyed, window.None)
	h.notify(window.GeometryChanged, editor)
	h.flush(id)

	assert.Equal(t, []event.Kind{event.KindAttach, event.KindFocus}, h.rec.kinds(id))
}

func TestRebindToAnotherWindowWithSameTitle(t *testing.T) {
	h := newHarness(t).start()
	h.fake.AddWindow(target, "App", boundsA)
	h.fake.AddWindow(target2, "App", boundsB)
	id := h.track("App", window.None)

	h.activate(target)
	h.activate(target2)
	h.flush(id)

	assert.Equal(t, []event.Kind{
		event.KindAttach, event.KindFocus, event.KindBlur, event.KindDetach, event.KindAttach, event.KindFocus,
	}, h.rec.kinds(id))
	assert.Equal(t, event.Attach{Bounds: boundsB}, h.rec.of(id)[4])
	assert.Zero(t, h.fake.SubscriptionsFor(window.GeometryChanged, target))
	assert.Equal(t, 1, h.fake.SubscriptionsFor(window.GeometryChanged, target2))
}

func TestFullscreenChanges(t *testing.T) {
	h := newHarness(t).start()
	h.fake.AddWindow(target, "Target", boundsA)
	h.fake.Update(target, func(w *windowtest.Window) { w.Fullscreen = window.Bool(false) })
	id := h.track("Target", window.None)
	h.activate(target)

	h.tr.dispatch(window.Notification{Kind: window.PropertyChanged, Window: target, Fullscreen: window.Bool(true)})
	h.tr.dispatch(window.Notification{Kind: window.PropertyChanged, Window: target, Fullscreen: window.Bool(true)})

	// no state in the notification: queried
	h.fake.Update(target, func(w *windowtest.Window) { w.Fullscreen = window.Bool(false) })
	h.notify(window.PropertyChanged, target)
	h.flush(id)

	events := h.rec.of(id)
	require.Len(t, events, 4)
	attach := events[0].(event.Attach)
	require.NotNil(t, attach.Fullscreen)
	assert.False(t, *attach.Fullscreen)
	assert.Equal(t, event.Fullscreen{IsFullscreen: true}, events[2])
	assert.Equal(t, event.Fullscreen{IsFullscreen: false}, events[3])
}

func TestBoundsFailureAbortsAttach(t *testing.T) {
	h := newHarness(t).start()
	h.fake.AddWindow(target, "Target", boundsA)
	h.fake.Update(target, func(w *windowtest.Window) { w.BoundsErr = window.ErrQueryFailed })
	id := h.track("Target", overlay)

	h.activate(target)

	s := h.session(id)
	assert.Equal(t, window.None, s.target)
	assert.NoError(t, s.err)
	assert.Zero(t, h.fake.SubscriptionsFor(window.GeometryChanged, target))
	assert.Zero(t, h.fake.SubscriptionsFor(window.Destroyed, target))

	// a later activation succeeds once the window answers
	h.fake.Update(target, func(w *windowtest.Window) { w.BoundsErr = nil })
	h.activate(editor)
	h.activate(target)
	h.flush(id)
	assert.Equal(t, []event.Kind{event.KindAttach, event.KindFocus}, h.rec.kinds(id))
}

func TestSubscriptionFailureFailsSession(t *testing.T) {
	errBoom := errors.New("boom")

	h := newHarness(t).start()
	h.fake.AddWindow(target, "Target", boundsA)
	id := h.track("Target", overlay)

	h.fake.FailSubscribe(window.Destroyed, errBoom)
	h.activate(target)

	s := h.session(id)
	require.ErrorIs(t, s.err, errBoom)
	assert.Equal(t, window.None, s.target)
	assert.Zero(t, h.fake.SubscriptionsFor(window.GeometryChanged, target), "partial attach unwound")

	select {
	case <-s.channel.Done():
	case <-time.After(time.Second):
		t.Fatal("failed session channel not closed")
	}
	assert.ErrorIs(t, s.channel.Err(), errBoom)
	assert.Empty(t, h.rec.of(id))

	// the failed session ignores everything afterwards
	h.fake.FailSubscribe(window.Destroyed, nil)
	h.activate(editor)
	h.activate(target)
	assert.Equal(t, window.None, s.target)

	assert.Contains(t, s.info().Error, "boom")
}

func TestSubscriptionFailureDuringTrack(t *testing.T) {
	errBoom := errors.New("boom")

	h := newHarness(t)
	h.fake.AddWindow(target, "Target", boundsA)
	h.fake.SetForeground(target)
	h.start()
	h.fake.FailSubscribe(window.GeometryChanged, errBoom)

	_, err := h.tr.track("Target", overlay, h.rec)
	require.ErrorIs(t, err, errBoom)
	assert.Zero(t, h.tr.registry.len())
	assert.Zero(t, h.fake.SubscriptionsFor(window.Destroyed, target))
}

func TestSessionsDoNotInterfere(t *testing.T) {
	h := newHarness(t).start()
	h.fake.AddWindow(target, "Alpha", boundsA)
	h.fake.AddWindow(target2, "Beta", boundsB)

	alphaSink, betaSink := newRecorder(), newRecorder()
	alpha, err := h.tr.track("Alpha", window.None, alphaSink)
	require.NoError(t, err)
	beta, err := h.tr.track("Beta", window.None, betaSink)
	require.NoError(t, err)

	h.activate(editor)
	h.activate(target)
	h.activate(target2)

	h.flush(alpha)
	h.flush(beta)

	assert.Equal(t, []event.Kind{event.KindAttach, event.KindFocus, event.KindBlur}, alphaSink.kinds(alpha))
	assert.Equal(t, []event.Kind{event.KindAttach, event.KindFocus}, betaSink.kinds(beta))
	assert.Empty(t, alphaSink.of(beta))
	assert.Empty(t, betaSink.of(alpha))
}

func TestCancelWhilePending(t *testing.T) {
	h := newHarness(t).start()
	h.fake.AddWindow(target, "Target", boundsA)
	id := h.track("Target", overlay)
	h.activate(target)
	h.waitKinds(id, event.KindAttach, event.KindFocus)

	s := h.session(id)
	geometryToken := s.geometryHook.Token()
	destroyToken := s.destroyHook.Token()

	// notifications for the session were already queued when it is cancelled
	pending := []window.Notification{
		{Kind: window.GeometryChanged, Window: target},
		{Kind: window.PropertyChanged, Window: target},
		{Kind: window.Destroyed, Window: target},
		{Kind: window.ForegroundChanged, Window: editor},
	}
	require.NoError(t, h.tr.registry.cancel(id))
	h.fake.SetForeground(editor)
	for _, n := range pending {
		h.tr.dispatch(n)
	}

	assert.Empty(t, h.fake.Misuse(), "no released token used again")
	subs := h.fake.Subscriptions()
	assert.NotContains(t, subs, geometryToken)
	assert.NotContains(t, subs, destroyToken)

	select {
	case <-s.channel.Done():
	case <-time.After(time.Second):
		t.Fatal("cancelled session channel not closed")
	}
	assert.Equal(t, []event.Kind{event.KindAttach, event.KindFocus}, h.rec.kinds(id), "cancel emits nothing")

	err := h.tr.registry.cancel(id)
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

func TestSessionIDsAreNeverReused(t *testing.T) {
	h := newHarness(t).start()

	first := h.track("A", window.None)
	second := h.track("B", window.None)
	require.NoError(t, h.tr.registry.cancel(second))
	third := h.track("C", window.None)

	assert.Equal(t, SessionID(1), first)
	assert.Equal(t, SessionID(2), second)
	assert.Equal(t, SessionID(3), third)

	var order []SessionID
	for _, s := range h.tr.registry.all() {
		order = append(order, s.id)
	}
	assert.Equal(t, []SessionID{1, 3}, order)
}

func TestSnapshotDoesNotAlias(t *testing.T) {
	h := newHarness(t).start()
	h.fake.AddWindow(target, "Target", boundsA)
	h.fake.Update(target, func(w *windowtest.Window) { w.Fullscreen = window.Bool(true) })
	id := h.track("Target", overlay)
	h.activate(target)

	info := h.session(id).info()
	require.NotNil(t, info.Fullscreen)
	*info.Fullscreen = false

	assert.True(t, *h.session(id).fullscreen)
	assert.Equal(t, SessionInfo{
		ID:         id,
		Title:      "Target",
		Overlay:    overlay,
		Target:     target,
		Attached:   true,
		Focused:    true,
		Fullscreen: window.Bool(false),
		Bounds:     boundsA,
	}, info)
}

func TestPollBlursWhenForegroundEmpties(t *testing.T) {
	h := newHarness(t).start()
	h.fake.AddWindow(target, "Target", boundsA)
	id := h.track("Target", window.None)

	h.activate(target)
	h.waitKinds(id, event.KindAttach, event.KindFocus)

	// focus went nowhere and no notification arrived
	h.fake.SetForeground(window.None)
	h.tr.resolver.PollTick()
	h.waitKinds(id, event.KindAttach, event.KindFocus, event.KindBlur)

	assert.Equal(t, target, h.session(id).target, "still bound")
	assert.False(t, h.session(id).focused)
}
