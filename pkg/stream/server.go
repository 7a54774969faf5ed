// Package stream serves a capture controller over HTTP and pushes every
// session transition, projected into the current viewport, to websocket viewers.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/snapdetect/pkg/overlay"
	"github.com/menta2k/snapdetect/pkg/session"
	"github.com/menta2k/snapdetect/pkg/types"
)

// MaxUploadSize bounds a capture request body
const MaxUploadSize = 32 << 20

// Upgrader upgrades viewer connections; CheckOrigin allows all origins.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is what viewers receive after every transition and layout change
type Event struct {
	Session   session.CaptureSession   `json:"session"`
	Error     string                   `json:"error,omitempty"`
	ErrorKind string                   `json:"error_kind,omitempty"`
	Viewport  types.Viewport           `json:"viewport"`
	Transform *types.ViewportTransform `json:"transform,omitempty"`
	Overlay   []types.ScreenDetection  `json:"overlay,omitempty"`
}

// Server exposes one controller and its projector
type Server struct {
	ctx        context.Context
	controller *session.Controller
	projector  *overlay.Projector
	hub        *Hub
	log        logrus.FieldLogger
}

// NewServer starts the viewer hub and subscribes it to controller transitions.
// Captures triggered over HTTP are bound to ctx; cancelling it stops the hub.
func NewServer(ctx context.Context, controller *session.Controller, projector *overlay.Projector, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		ctx:        ctx,
		controller: controller,
		projector:  projector,
		hub:        NewHub(64, log),
		log:        log,
	}

	unsubscribe := controller.Subscribe(func(snap session.CaptureSession) {
		s.push(snap)
	})
	go func() {
		s.hub.Run(ctx)
		unsubscribe()
	}()
	return s
}

// Hub returns the viewer hub
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/capture", s.handleCapture)
	mux.HandleFunc("POST /api/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/dismiss", s.handleReset(s.controller.Dismiss))
	mux.HandleFunc("POST /api/ack", s.handleReset(s.controller.Acknowledge))
	mux.HandleFunc("POST /api/layout", s.handleLayout)
	mux.HandleFunc("GET /api/session", s.handleSession)
	mux.HandleFunc("GET /api/view", s.handleView)
	return mux
}

// ListenAndServe serves Handler on addr until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("Listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Event builds the viewer event for snap against the current viewport
func (s *Server) Event(snap session.CaptureSession) Event {
	ev := Event{Session: snap, Viewport: s.projector.Viewport()}
	if snap.Err != nil {
		ev.Error = snap.Err.Error()
		ev.ErrorKind = snap.Err.Kind.String()
	}
	if snap.State == session.StateReady && snap.Frame != nil {
		t, err := s.projector.Transform(*snap.Frame)
		if err != nil {
			s.log.WithError(err).Warn("Cannot project session")
			return ev
		}
		ev.Transform = &t
		ev.Overlay = overlay.Project(t, snap.Detections)
	}
	return ev
}

func (s *Server) push(snap session.CaptureSession) {
	msg, err := json.Marshal(s.Event(snap))
	if err != nil {
		s.log.WithError(err).Error("Failed to encode event")
		return
	}
	s.hub.Broadcast(msg)
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxUploadSize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("empty capture body"))
		return
	}

	var mirror bool
	if v := r.URL.Query().Get("mirror"); v != "" {
		if mirror, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("mirror: %w", err))
			return
		}
	}

	if !s.controller.Trigger(s.ctx, session.Input{Data: data, Mirror: mirror}) {
		writeError(w, http.StatusConflict, session.ErrBusy)
		return
	}
	writeJSON(w, http.StatusAccepted, s.Event(s.controller.Snapshot()))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.controller.Cancel()})
}

func (s *Server) handleReset(reset func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := reset(); err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, s.Event(s.controller.Snapshot()))
	}
}

func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	width, err1 := strconv.ParseFloat(q.Get("width"), 64)
	height, err2 := strconv.ParseFloat(q.Get("height"), 64)
	if err := errors.Join(err1, err2); err != nil || !positive(width) || !positive(height) {
		writeError(w, http.StatusBadRequest, overlay.ErrInvalidGeometry)
		return
	}

	s.projector.Layout(types.Viewport{Width: width, Height: height})
	snap := s.controller.Snapshot()
	s.push(snap)
	writeJSON(w, http.StatusOK, s.Event(snap))
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Event(s.controller.Snapshot()))
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Error("WebSocket upgrade error")
		return
	}
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	initial, err := json.Marshal(s.Event(s.controller.Snapshot()))
	if err != nil {
		s.log.WithError(err).Error("Failed to encode event")
		conn.Close()
		return
	}
	s.hub.Register(conn, initial)
	defer s.hub.Unregister(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.WithError(err).Debug("Viewer read error")
			}
			return
		}
	}
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
