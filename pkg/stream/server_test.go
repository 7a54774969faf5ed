package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/snapdetect/pkg/client"
	"github.com/menta2k/snapdetect/pkg/overlay"
	"github.com/menta2k/snapdetect/pkg/session"
	"github.com/menta2k/snapdetect/pkg/types"
)

const cupResponse = `{"detections":[{"label":"cup","confidence":0.9,"box_norm":{"xc":0.5,"yc":0.5,"w":0.5,"h":0.5}}]}`

type gatedClient struct {
	gate chan struct{}
}

func (g *gatedClient) Name() string { return "gated" }

func (g *gatedClient) Infer(ctx context.Context, req client.Request) (string, error) {
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return cupResponse, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func pngBody(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 90, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestServer(t *testing.T, c client.InferenceClient) (*httptest.Server, *session.Controller) {
	t.Helper()
	log := quietLogger()
	ctrl := session.New(c, session.Options{Timeout: 5 * time.Second}, log)
	proj := overlay.NewProjector(types.Viewport{Width: 400, Height: 300})
	srv := NewServer(t.Context(), ctrl, proj, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, ctrl
}

func dialViewer(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/view"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads viewer events until match returns true
func readUntil(t *testing.T, conn *websocket.Conn, match func(Event) bool) Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		if match(ev) {
			return ev
		}
	}
}

func inState(state session.State) func(Event) bool {
	return func(ev Event) bool { return ev.Session.State == state }
}

func post(t *testing.T, url string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/octet-stream", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestCaptureStreamsProjectedOverlay(t *testing.T) {
	ts, _ := newTestServer(t, &gatedClient{})
	conn := dialViewer(t, ts)
	readUntil(t, conn, inState(session.StateIdle))

	resp := post(t, ts.URL+"/api/capture", pngBody(t, 400, 300))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("capture status = %d, want 202", resp.StatusCode)
	}

	ready := readUntil(t, conn, inState(session.StateReady))
	if len(ready.Overlay) != 1 || ready.Transform == nil {
		t.Fatalf("Expected one projected detection, got %+v", ready)
	}
	got := ready.Overlay[0]
	if got.Label != "cup" || got.ScreenX1 != 100 || got.ScreenY1 != 75 || got.ScreenX2 != 300 || got.ScreenY2 != 225 {
		t.Errorf("unexpected overlay %+v", got)
	}

	// a rotation re-projects the same Ready session
	resp = post(t, ts.URL+"/api/layout?width=800&height=600", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("layout status = %d", resp.StatusCode)
	}
	relaid := readUntil(t, conn, func(ev Event) bool { return ev.Viewport.Width == 800 })
	if len(relaid.Overlay) != 1 || relaid.Overlay[0].ScreenX2 != 600 || relaid.Overlay[0].ScreenY2 != 450 {
		t.Errorf("unexpected re-projection %+v", relaid.Overlay)
	}
	if relaid.Session.ID != ready.Session.ID {
		t.Errorf("layout changed session %s -> %s", ready.Session.ID, relaid.Session.ID)
	}

	resp = post(t, ts.URL+"/api/dismiss", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dismiss status = %d", resp.StatusCode)
	}
	readUntil(t, conn, inState(session.StateIdle))
}

func TestCaptureWhileBusyConflicts(t *testing.T) {
	gate := make(chan struct{})
	ts, ctrl := newTestServer(t, &gatedClient{gate: gate})
	body := pngBody(t, 64, 48)

	if resp := post(t, ts.URL+"/api/capture", body); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first capture status = %d", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/api/capture", body); resp.StatusCode != http.StatusConflict {
		t.Errorf("second capture status = %d, want 409", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/api/dismiss", nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("dismiss while in flight status = %d, want 409", resp.StatusCode)
	}

	close(gate)
	deadline := time.Now().Add(5 * time.Second)
	for ctrl.Snapshot().State != session.StateReady {
		if time.Now().After(deadline) {
			t.Fatalf("capture never became ready, state %s", ctrl.Snapshot().State)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCancelReportsErrorKind(t *testing.T) {
	ts, _ := newTestServer(t, &gatedClient{gate: make(chan struct{})})
	conn := dialViewer(t, ts)
	readUntil(t, conn, inState(session.StateIdle))

	post(t, ts.URL+"/api/capture", pngBody(t, 64, 48))
	readUntil(t, conn, inState(session.StateAwaitingInference))

	resp := post(t, ts.URL+"/api/cancel", nil)
	var out map[string]bool
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || !out["cancelled"] {
		t.Fatalf("cancel response = %v, %v", out, err)
	}

	failed := readUntil(t, conn, inState(session.StateError))
	if failed.ErrorKind != "cancelled" {
		t.Errorf("ErrorKind = %q, want cancelled", failed.ErrorKind)
	}

	if resp := post(t, ts.URL+"/api/ack", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("ack status = %d", resp.StatusCode)
	}
}

func TestBadRequests(t *testing.T) {
	ts, _ := newTestServer(t, &gatedClient{})

	tests := []struct {
		name string
		path string
		body []byte
		want int
	}{
		{"empty capture", "/api/capture", nil, http.StatusBadRequest},
		{"bad mirror", "/api/capture?mirror=sideways", []byte("x"), http.StatusBadRequest},
		{"missing layout", "/api/layout", nil, http.StatusBadRequest},
		{"zero layout", "/api/layout?width=0&height=10", nil, http.StatusBadRequest},
		{"ack from idle", "/api/ack", nil, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := post(t, ts.URL+tt.path, tt.body); resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestSessionEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, &gatedClient{})

	resp, err := http.Get(ts.URL + "/api/session")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var ev Event
	if err := json.NewDecoder(resp.Body).Decode(&ev); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if ev.Session.State != session.StateIdle || ev.Viewport.Width != 400 {
		t.Errorf("unexpected idle event %+v", ev)
	}
}
