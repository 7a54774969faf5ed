// Package snapdetect turns a captured camera frame into an object overlay.
//
// A capture is resampled to a bounded size, optionally split into a grid of
// tiles, sent to a remote vision service together with a detection
// instruction, and the returned boxes are normalized into the pixel space of
// the resampled frame. Those canonical detections are finally projected into
// the viewport the user is looking at with an aspect-preserving contain fit.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//		"log"
//		"os"
//
//		"github.com/menta2k/snapdetect"
//		"github.com/menta2k/snapdetect/pkg/session"
//		"github.com/menta2k/snapdetect/pkg/types"
//	)
//
//	func main() {
//		backend, err := snapdetect.NewClient(snapdetect.BackendConfig{
//			Backend: "openai",
//			APIKey:  os.Getenv("OPENAI_API_KEY"),
//		})
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		p := snapdetect.New(backend, session.DefaultOptions(), types.Viewport{Width: 390, Height: 844}, nil)
//
//		data, _ := os.ReadFile("desk.jpg")
//		res, err := p.Capture(context.Background(), session.Input{Data: data})
//		if err != nil {
//			log.Fatal(err)
//		}
//		for _, d := range res.Overlay {
//			fmt.Printf("%s %.2f (%d,%d)-(%d,%d)\n", d.Label, d.Confidence, d.ScreenX1, d.ScreenY1, d.ScreenX2, d.ScreenY2)
//		}
//	}
//
// The package consists of these components:
//
// 1. Processing (pkg/processing): decoding, mirroring, bounded resampling and encoding
// 2. Tiling (pkg/tiling): grid planning and parallel per-tile resampling
// 3. Backends (pkg/openai, pkg/ollama, pkg/llamacpp, pkg/gemini): the inference clients
// 4. Detection (pkg/detection): instructions, response decoding and canonicalization
// 5. Overlay (pkg/overlay): the viewport contain transform
// 6. Session (pkg/session): the single-flight capture state machine
// 7. Stream (pkg/stream): the HTTP capture API and websocket overlay feed
package snapdetect

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/snapdetect/pkg/client"
	"github.com/menta2k/snapdetect/pkg/gemini"
	"github.com/menta2k/snapdetect/pkg/llamacpp"
	"github.com/menta2k/snapdetect/pkg/ollama"
	"github.com/menta2k/snapdetect/pkg/openai"
	"github.com/menta2k/snapdetect/pkg/overlay"
	"github.com/menta2k/snapdetect/pkg/session"
	"github.com/menta2k/snapdetect/pkg/types"
)

// Version of the snapdetect library
const Version = "0.3.0"

// BackendConfig selects an inference backend. Empty URL and Model use the backend defaults.
type BackendConfig struct {
	Backend string
	URL     string
	Model   string
	APIKey  string
}

// Default models per backend
var defaultModels = map[string]string{
	"openai":   "gpt-4.1-mini",
	"ollama":   "openbmb/minicpm-v4.5",
	"llamacpp": "openbmb/minicpm-v4.5",
	"gemini":   "gemini-2.5-flash",
}

// NewClient builds the inference client for cfg.Backend
func NewClient(cfg BackendConfig) (client.InferenceClient, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	model := cfg.Model
	if model == "" {
		model = defaultModels[backend]
	}

	switch backend {
	case "openai":
		return openai.NewClient(cfg.APIKey, model, cfg.URL), nil
	case "ollama":
		url := cfg.URL
		if url == "" {
			url = "http://localhost:11434"
		}
		c, err := ollama.NewClient(url, model)
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
		return c, nil
	case "llamacpp":
		return llamacpp.NewClient(cfg.URL, model, cfg.APIKey), nil
	case "gemini":
		return gemini.NewClient(cfg.APIKey, model), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (use openai, ollama, llamacpp or gemini)", cfg.Backend)
	}
}

// Pipeline couples a capture controller with the overlay projector for one viewport
type Pipeline struct {
	controller *session.Controller
	projector  *overlay.Projector
}

// Result is a finished capture together with its projection
type Result struct {
	Session   session.CaptureSession  `json:"session"`
	Transform types.ViewportTransform `json:"transform"`
	Overlay   []types.ScreenDetection `json:"overlay"`
}

// New creates a pipeline. log may be nil to use the logrus standard logger.
func New(c client.InferenceClient, opts session.Options, viewport types.Viewport, log logrus.FieldLogger) *Pipeline {
	return &Pipeline{
		controller: session.New(c, opts, log),
		projector:  overlay.NewProjector(viewport),
	}
}

// Controller exposes the underlying state machine
func (p *Pipeline) Controller() *session.Controller { return p.controller }

// Projector exposes the viewport projector
func (p *Pipeline) Projector() *overlay.Projector { return p.projector }

// Layout updates the viewport after a resize or rotation
func (p *Pipeline) Layout(viewport types.Viewport) { p.projector.Layout(viewport) }

// Capture runs one capture and projects the detections into the current viewport.
// A capture ending in Error returns its session with the classified *session.Error.
func (p *Pipeline) Capture(ctx context.Context, in session.Input) (Result, error) {
	s, err := p.controller.Capture(ctx, in)
	if err != nil {
		return Result{Session: s}, err
	}
	return p.render(s)
}

// Render projects the current Ready session into the current viewport
func (p *Pipeline) Render() (Result, error) {
	s := p.controller.Snapshot()
	if s.State != session.StateReady {
		return Result{Session: s}, fmt.Errorf("%w: no ready session (state %s)", session.ErrInvalidTransition, s.State)
	}
	return p.render(s)
}

// Dismiss closes the current preview so a new capture can start
func (p *Pipeline) Dismiss() error {
	return p.controller.Dismiss()
}

func (p *Pipeline) render(s session.CaptureSession) (Result, error) {
	if s.Frame == nil {
		return Result{Session: s}, fmt.Errorf("session %s has no frame", s.ID)
	}
	t, err := p.projector.Transform(*s.Frame)
	if err != nil {
		return Result{Session: s}, err
	}
	return Result{
		Session:   s,
		Transform: t,
		Overlay:   overlay.Project(t, s.Detections),
	}, nil
}
