package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image/jpeg"
	"image/png"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/overlaysync/internal/capture"
	"github.com/bryanchriswhite/overlaysync/internal/event"
	"github.com/bryanchriswhite/overlaysync/internal/tracker"
	"github.com/bryanchriswhite/overlaysync/internal/window"
	"github.com/bryanchriswhite/overlaysync/internal/window/windowtest"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	calculator = window.Handle(0x10)
	overlayWin = window.Handle(0x20)
)

var calculatorBounds = window.Bounds{X: 100, Y: 50, Width: 400, Height: 300}

// solidShooter returns frames filled with one BGRA color
type solidShooter struct{}

func (solidShooter) Format() capture.PixelFormat { return capture.FormatBGRA }

func (solidShooter) Capture(_ window.Bounds, width, height uint32) (*capture.Frame, error) {
	f := capture.NewFrame(width, height, capture.FormatBGRA)
	for i := 0; i < len(f.Pix); i += 4 {
		f.Pix[i], f.Pix[i+1], f.Pix[i+2], f.Pix[i+3] = 0x10, 0x20, 0x30, 0xff
	}
	return f, nil
}

type harness struct {
	fake *windowtest.Fake
	hub  *event.Hub
	srv  *httptest.Server
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	fake := windowtest.New()
	fake.AddWindow(calculator, "Calculator", calculatorBounds)
	fake.SetForeground(calculator)

	tr := tracker.New(fake, solidShooter{}, tracker.Config{PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	go tr.Run(ctx)

	hub := event.NewHub()
	srv := httptest.NewServer(NewServer(tr, hub, opts).Handler())

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-tr.Done()
		hub.Close()
	})
	return &harness{fake: fake, hub: hub, srv: srv}
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) track(t *testing.T, title string, overlay window.Handle) tracker.SessionInfo {
	t.Helper()

	resp := h.do(t, "POST", "/api/sessions", map[string]interface{}{
		"title":          title,
		"overlay_window": uint64(overlay),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var info tracker.SessionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	return info
}

func TestHealth(t *testing.T) {
	h := newHarness(t, Options{})

	resp := h.do(t, "GET", "/api/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 0, body["sessions"])
	assert.Equal(t, "bgra", body["pixel_format"])
}

func TestCreateAndListSessions(t *testing.T) {
	h := newHarness(t, Options{})

	info := h.track(t, "Calculator", overlayWin)
	assert.Equal(t, tracker.SessionID(1), info.ID)
	assert.True(t, info.Attached)
	assert.Equal(t, calculator, info.Target)
	assert.Equal(t, calculatorBounds, info.Bounds)

	h.track(t, "Notepad", window.None)

	resp := h.do(t, "GET", "/api/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sessions []tracker.SessionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	require.Len(t, sessions, 2)
	assert.Equal(t, "Calculator", sessions[0].Title)
	assert.Equal(t, "Notepad", sessions[1].Title)
	assert.False(t, sessions[1].Attached)
}

func TestCreateSessionRejectsBadInput(t *testing.T) {
	h := newHarness(t, Options{})

	resp := h.do(t, "POST", "/api/sessions", map[string]string{"title": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest("POST", h.srv.URL+"/api/sessions", strings.NewReader("{"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestCancelSession(t *testing.T) {
	h := newHarness(t, Options{})
	info := h.track(t, "Calculator", overlayWin)

	resp := h.do(t, "DELETE", "/api/sessions/1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, "DELETE", "/api/sessions/1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.do(t, "GET", "/api/sessions/1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Zero(t, h.fake.SubscriptionsFor(window.GeometryChanged, info.Target))
	assert.Zero(t, h.fake.SubscriptionsFor(window.Destroyed, info.Target))
}

func TestActivateAndFocus(t *testing.T) {
	h := newHarness(t, Options{})
	h.track(t, "Calculator", overlayWin)
	h.track(t, "Notepad", window.None)

	resp := h.do(t, "POST", "/api/sessions/1/activate", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = h.do(t, "POST", "/api/sessions/1/focus", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var activated []window.Handle
	for _, c := range h.fake.Calls() {
		if c.Op == "activate" {
			activated = append(activated, c.Window)
		}
	}
	assert.Equal(t, []window.Handle{overlayWin, calculator}, activated)

	// no overlay and no target
	resp = h.do(t, "POST", "/api/sessions/2/activate", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp = h.do(t, "POST", "/api/sessions/2/focus", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = h.do(t, "POST", "/api/sessions/99/focus", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScreenshot(t *testing.T) {
	h := newHarness(t, Options{MaxDimension: 100})
	h.track(t, "Calculator", overlayWin)

	// 400x300 at half scale is 200x150, then capped to 100 on the long side
	resp := h.do(t, "GET", "/api/sessions/1/screenshot?scale=0.5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	img, err := png.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 75, img.Bounds().Dy())

	r, g, b, a := img.At(10, 10).RGBA()
	assert.Equal(t, []uint32{0x30, 0x20, 0x10, 0xff}, []uint32{r >> 8, g >> 8, b >> 8, a >> 8})
}

func TestScreenshotExplicitSize(t *testing.T) {
	h := newHarness(t, Options{})
	h.track(t, "Calculator", overlayWin)

	resp := h.do(t, "GET", "/api/sessions/1/screenshot?width=40&height=30", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	img, err := png.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 40, img.Bounds().Dx())
	assert.Equal(t, 30, img.Bounds().Dy())

	resp = h.do(t, "GET", "/api/sessions/1/screenshot?scale=2", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = h.do(t, "GET", "/api/sessions/1/screenshot?width=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestScreenshotRequiresAttachment(t *testing.T) {
	h := newHarness(t, Options{})
	h.track(t, "Notepad", window.None)

	resp := h.do(t, "GET", "/api/sessions/1/screenshot", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	h := newHarness(t, Options{})
	h.track(t, "Calculator", overlayWin)
	h.track(t, "Notepad", window.None)

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/sessions/1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool { return h.hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	moved := window.Bounds{X: 0, Y: 0, Width: 800, Height: 600}
	h.fake.Update(calculator, func(w *windowtest.Window) { w.Bounds = moved })
	h.fake.Notify(window.Notification{Kind: window.GeometryChanged, Window: calculator})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var rec event.Record
	require.NoError(t, conn.ReadJSON(&rec))
	assert.Equal(t, "moveresize", rec.Type)
	assert.Equal(t, uint32(1), rec.Session)
	require.NotNil(t, rec.Bounds)
	assert.Equal(t, moved, *rec.Bounds)
}

func TestEventStreamUnknownSession(t *testing.T) {
	h := newHarness(t, Options{})

	resp := h.do(t, "GET", "/api/sessions/7/events", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPreviewStream(t *testing.T) {
	h := newHarness(t, Options{MaxDimension: 200})
	h.track(t, "Calculator", overlayWin)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", h.srv.URL+"/api/sessions/1/stream?fps=30", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/x-mixed-replace", mediaType)

	reader := multipart.NewReader(resp.Body, params["boundary"])
	for i := 0; i < 2; i++ {
		part, err := reader.NextPart()
		require.NoError(t, err)
		img, err := jpeg.Decode(part)
		require.NoError(t, err)
		assert.Equal(t, 200, img.Bounds().Dx())
		assert.Equal(t, 150, img.Bounds().Dy())
	}
}

func TestPreviewStreamErrors(t *testing.T) {
	h := newHarness(t, Options{})

	resp := h.do(t, "GET", "/api/sessions/3/stream", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	h.track(t, "Calculator", overlayWin)
	resp = h.do(t, "GET", "/api/sessions/1/stream?fps=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = h.do(t, "GET", "/api/sessions/1/stream?scale=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
