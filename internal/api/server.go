package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"strconv"
	"time"

	"github.com/bryanchriswhite/overlaysync/internal/capture"
	"github.com/bryanchriswhite/overlaysync/internal/event"
	"github.com/bryanchriswhite/overlaysync/internal/logger"
	"github.com/bryanchriswhite/overlaysync/internal/output"
	"github.com/bryanchriswhite/overlaysync/internal/tracker"
	"github.com/bryanchriswhite/overlaysync/internal/window"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	xdraw "golang.org/x/image/draw"
)

const (
	defaultStreamFPS = 10
	maxStreamFPS     = 30
)

// Tracker is the part of the tracker the API drives
type Tracker interface {
	Track(ctx context.Context, pattern string, overlay window.Handle, sink event.Sink) (tracker.SessionID, error)
	Cancel(ctx context.Context, id tracker.SessionID) error
	ActivateOverlay(ctx context.Context, id tracker.SessionID) error
	FocusTarget(ctx context.Context, id tracker.SessionID) error
	Screenshot(ctx context.Context, id tracker.SessionID, width, height uint32) (*capture.Frame, error)
	Sessions(ctx context.Context) ([]tracker.SessionInfo, error)
	Session(ctx context.Context, id tracker.SessionID) (tracker.SessionInfo, error)
}

// Options tune the server
type Options struct {
	// MaxDimension caps the longer side of screenshots; 0 disables the cap
	MaxDimension int
}

// Server represents the HTTP API server
type Server struct {
	router   *mux.Router
	tracker  Tracker
	hub      *event.Hub
	opts     Options
	upgrader websocket.Upgrader
}

// NewServer creates a new API server. Sessions created through the API
// publish their events to hub.
func NewServer(t Tracker, hub *event.Hub, opts Options) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		tracker: t,
		hub:     hub,
		opts:    opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local tool, any origin
			},
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Sessions
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")
	api.HandleFunc("/sessions/{id:[0-9]+}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/sessions/{id:[0-9]+}", s.handleCancelSession).Methods("DELETE")
	api.HandleFunc("/sessions/{id:[0-9]+}/activate", s.handleActivateOverlay).Methods("POST")
	api.HandleFunc("/sessions/{id:[0-9]+}/focus", s.handleFocusTarget).Methods("POST")
	api.HandleFunc("/sessions/{id:[0-9]+}/screenshot", s.handleScreenshot).Methods("GET")
	api.HandleFunc("/sessions/{id:[0-9]+}/stream", s.handleStream).Methods("GET")
	api.HandleFunc("/sessions/{id:[0-9]+}/events", s.handleEventStream)

	// Health check
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the root handler with CORS applied
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Serve listens on port until ctx is cancelled
func (s *Server) Serve(ctx context.Context, port int) error {
	log := logger.WithComponent("api")

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", "http://localhost"+srv.Addr).Msg("Starting API server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info().Msg("Shutting down API server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down API server: %w", err)
		}
		return nil
	}
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HTTP Handlers

type createSessionRequest struct {
	Title         string `json:"title"`
	OverlayWindow uint64 `json:"overlay_window"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.tracker.Sessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []tracker.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.tracker.Track(r.Context(), req.Title, window.Handle(req.OverlayWindow), s.hub)
	if err != nil {
		writeError(w, err)
		return
	}

	info, err := s.tracker.Session(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	info, err := s.tracker.Session(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	if err := s.tracker.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleActivateOverlay(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	if err := s.tracker.ActivateOverlay(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleFocusTarget(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	if err := s.tracker.FocusTarget(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	width, err := parseDimension(query.Get("width"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid width: %v", err), http.StatusBadRequest)
		return
	}
	height, err := parseDimension(query.Get("height"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid height: %v", err), http.StatusBadRequest)
		return
	}
	scale, err := parseScale(query.Get("scale"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	frame, err := s.tracker.Screenshot(r.Context(), id, width, height)
	if err != nil {
		writeError(w, err)
		return
	}
	img, err := frame.RGBA()
	if err != nil {
		writeError(w, err)
		return
	}

	out := s.scale(img, scale)
	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, out); err != nil {
		logger.WithComponent("api").Debug().Err(err).Msg("Failed to write screenshot")
	}
}

func parseScale(raw string) (float64, error) {
	if raw == "" {
		return 1, nil
	}
	scale, err := strconv.ParseFloat(raw, 64)
	if err != nil || scale <= 0 || scale > 1 {
		return 0, errors.New("scale must be in (0, 1]")
	}
	return scale, nil
}

// handleStream serves an MJPEG preview of the target's client area. While the
// session is unattached no frames are sent.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	scale, err := parseScale(query.Get("scale"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fps := defaultStreamFPS
	if raw := query.Get("fps"); raw != "" {
		fps, err = strconv.Atoi(raw)
		if err != nil || fps < 1 || fps > maxStreamFPS {
			http.Error(w, fmt.Sprintf("fps must be between 1 and %d", maxStreamFPS), http.StatusBadRequest)
			return
		}
	}

	ctx := r.Context()
	log := logger.WithSession("api", uint32(id))

	// the first capture decides between an error status and a stream
	frame, err := s.tracker.Screenshot(ctx, id, 0, 0)
	if err != nil && !errors.Is(err, tracker.ErrNotAttached) {
		writeError(w, err)
		return
	}

	stream := output.NewMJPEGWriter(w, output.DefaultQuality)
	log.Info().Int("fps", fps).Msg("Preview stream started")
	defer func() {
		log.Info().Uint64("frames", stream.Frames()).Msg("Preview stream ended")
	}()

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for {
		switch {
		case err == nil:
			img, convErr := frame.RGBA()
			if convErr != nil {
				log.Debug().Err(convErr).Msg("Dropping unreadable frame")
				break
			}
			if writeErr := stream.WriteFrame(s.scale(img, scale)); writeErr != nil {
				log.Debug().Err(writeErr).Msg("Preview client went away")
				return
			}
		case errors.Is(err, tracker.ErrNotAttached):
		default:
			log.Debug().Err(err).Msg("Stopping preview stream")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		frame, err = s.tracker.Screenshot(ctx, id, 0, 0)
	}
}

// scale shrinks img by factor, then further if it exceeds MaxDimension
func (s *Server) scale(img *image.RGBA, factor float64) image.Image {
	b := img.Bounds()
	w := float64(b.Dx()) * factor
	h := float64(b.Dy()) * factor

	if limit := float64(s.opts.MaxDimension); limit > 0 && (w > limit || h > limit) {
		shrink := limit / w
		if h > w {
			shrink = limit / h
		}
		w *= shrink
		h *= shrink
	}

	dw, dh := int(w), int(h)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}
	if dw == b.Dx() && dh == b.Dy() {
		return img
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	if _, err := s.tracker.Session(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	log := logger.WithSession("api", uint32(id))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	// Subscribe to tracking events
	records := s.hub.Subscribe()
	defer s.hub.Unsubscribe(records)

	// reading is required to notice the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			if rec.Session != uint32(id) {
				continue
			}
			if err := conn.WriteJSON(rec); err != nil {
				log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status": "healthy",
	}
	if format, ok := s.tracker.PixelFormat(); ok {
		status["pixel_format"] = format
	}
	if sessions, err := s.tracker.Sessions(r.Context()); err == nil {
		status["sessions"] = len(sessions)
	} else {
		status["status"] = "degraded"
		status["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, status)
}

func sessionID(w http.ResponseWriter, r *http.Request) (tracker.SessionID, bool) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid session id: %s", raw), http.StatusBadRequest)
		return 0, false
	}
	return tracker.SessionID(id), true
}

func parseDimension(raw string) (uint32, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps tracker errors to status codes
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tracker.ErrInvalidHandle):
		status = http.StatusNotFound
	case errors.Is(err, tracker.ErrEmptyPattern):
		status = http.StatusBadRequest
	case errors.Is(err, tracker.ErrNotAttached), errors.Is(err, tracker.ErrNoOverlay):
		status = http.StatusConflict
	case errors.Is(err, tracker.ErrNoScreenshotter):
		status = http.StatusNotImplemented
	case errors.Is(err, tracker.ErrStopped):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
