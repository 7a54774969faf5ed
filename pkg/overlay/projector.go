package overlay

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/menta2k/snapdetect/pkg/types"
)

// ErrInvalidGeometry is returned for non-positive frame or viewport sizes
var ErrInvalidGeometry = errors.New("invalid frame or viewport size")

// Contain computes the aspect-preserving transform that fits frame inside viewport, centered
func Contain(frame types.FrameDescriptor, viewport types.Viewport) (types.ViewportTransform, error) {
	if !frame.Valid() || !(viewport.Width > 0) || !(viewport.Height > 0) ||
		math.IsInf(viewport.Width, 0) || math.IsInf(viewport.Height, 0) {
		return types.ViewportTransform{}, fmt.Errorf("contain %s into %vx%v: %w", frame, viewport.Width, viewport.Height, ErrInvalidGeometry)
	}

	w, h := float64(frame.Width), float64(frame.Height)
	scale := math.Min(viewport.Width/w, viewport.Height/h)
	return types.ViewportTransform{
		Scale:   scale,
		OffsetX: (viewport.Width - w*scale) / 2,
		OffsetY: (viewport.Height - h*scale) / 2,
	}, nil
}

// Project maps canonical detections into viewport pixels. The input slice is not modified.
func Project(t types.ViewportTransform, dets []types.CanonicalDetection) []types.ScreenDetection {
	out := make([]types.ScreenDetection, 0, len(dets))
	for _, d := range dets {
		out = append(out, types.ScreenDetection{
			Label:      d.Label,
			Confidence: d.Confidence,
			ScreenX1:   apply(d.X1, t.Scale, t.OffsetX),
			ScreenY1:   apply(d.Y1, t.Scale, t.OffsetY),
			ScreenX2:   apply(d.X2, t.Scale, t.OffsetX),
			ScreenY2:   apply(d.Y2, t.Scale, t.OffsetY),
		})
	}
	return out
}

func apply(v int, scale, offset float64) int {
	return int(math.Round(float64(v)*scale + offset))
}

// Projector tracks the current viewport and recomputes the transform whenever
// the viewport or the source frame changes
type Projector struct {
	mu        sync.Mutex
	viewport  types.Viewport
	frame     types.FrameDescriptor
	transform types.ViewportTransform
	valid     bool
}

// NewProjector creates a projector for the given initial viewport
func NewProjector(viewport types.Viewport) *Projector {
	return &Projector{viewport: viewport}
}

// Layout records a viewport resize or rotation; the next Render recomputes the transform
func (p *Projector) Layout(viewport types.Viewport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if viewport != p.viewport {
		p.viewport = viewport
		p.valid = false
	}
}

// Viewport returns the current viewport
func (p *Projector) Viewport() types.Viewport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewport
}

// Transform returns the transform for frame against the current viewport
func (p *Projector) Transform(frame types.FrameDescriptor) (types.ViewportTransform, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.valid && frame == p.frame {
		return p.transform, nil
	}
	t, err := Contain(frame, p.viewport)
	if err != nil {
		p.valid = false
		return types.ViewportTransform{}, err
	}
	p.frame, p.transform, p.valid = frame, t, true
	return t, nil
}

// Render projects dets captured against frame into the current viewport
func (p *Projector) Render(frame types.FrameDescriptor, dets []types.CanonicalDetection) ([]types.ScreenDetection, error) {
	t, err := p.Transform(frame)
	if err != nil {
		return nil, err
	}
	return Project(t, dets), nil
}
