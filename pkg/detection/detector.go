package detection

import (
	"math"
	"sort"
	"strings"

	"github.com/menta2k/snapdetect/pkg/types"
)

// Options tune the normalizer beyond the geometric contract
type Options struct {
	// MaxDetections keeps only the N most confident detections; 0 keeps all
	MaxDetections int
	// MergeIoU enables the same-label overlap merge when > 0
	MergeIoU float64
	// DefaultLabel replaces empty labels; defaults to DefaultLabel
	DefaultLabel string
}

// Result is the outcome of normalizing one inference response
type Result struct {
	Detections []types.CanonicalDetection
	// Dropped counts entries removed for missing boxes, unknown tiles or degenerate geometry
	Dropped int
	// ParseErr is set when the response had no recoverable JSON; Detections is then empty
	ParseErr error
}

// Normalizer turns untrusted inference text into canonical full-frame detections
type Normalizer struct {
	opts Options
}

// NewNormalizer creates a normalizer with the given options
func NewNormalizer(opts Options) *Normalizer {
	if strings.TrimSpace(opts.DefaultLabel) == "" {
		opts.DefaultLabel = DefaultLabel
	}
	if opts.MaxDetections < 0 {
		opts.MaxDetections = 0
	}
	return &Normalizer{opts: opts}
}

// Normalize parses text and canonicalizes every entry against frame.
// A parse failure is not an error for the caller: the result is empty with ParseErr set.
func (n *Normalizer) Normalize(text string, frame types.FrameDescriptor, tiles []types.Tile) Result {
	raw, dropped, err := ParseResponse(text)
	if err != nil {
		return Result{Detections: []types.CanonicalDetection{}, ParseErr: err}
	}

	out := make([]types.CanonicalDetection, 0, len(raw))
	for _, r := range raw {
		if r.Label == DefaultLabel || strings.TrimSpace(r.Label) == "" {
			r.Label = n.opts.DefaultLabel
		}
		det, ok := Canonicalize(r, frame, tiles)
		if !ok {
			dropped++
			continue
		}
		out = append(out, det)
	}

	if n.opts.MergeIoU > 0 {
		out = MergeOverlaps(out, n.opts.MergeIoU)
	}
	if n.opts.MaxDetections > 0 && len(out) > n.opts.MaxDetections {
		sortByConfidence(out)
		out = out[:n.opts.MaxDetections]
	}

	return Result{Detections: out, Dropped: dropped}
}

// Canonicalize converts one raw entry into full-frame pixels.
// It returns false when the frame is invalid, the tile reference is unknown
// or the clamped box is degenerate.
func Canonicalize(r types.RawDetection, frame types.FrameDescriptor, tiles []types.Tile) (types.CanonicalDetection, bool) {
	if !frame.Valid() {
		return types.CanonicalDetection{}, false
	}

	var x1, y1, x2, y2 float64
	switch r.Kind {
	case types.BoxNormalized:
		xc := clamp(r.Norm.XC, 0, 1)
		yc := clamp(r.Norm.YC, 0, 1)
		w := clamp(r.Norm.W, 0, 1)
		h := clamp(r.Norm.H, 0, 1)
		fw, fh := float64(frame.Width), float64(frame.Height)
		x1 = (xc - w/2) * fw
		y1 = (yc - h/2) * fh
		x2 = (xc + w/2) * fw
		y2 = (yc + h/2) * fh
	case types.BoxPixel:
		if !finite(r.Pixel.X, r.Pixel.Y, r.Pixel.W, r.Pixel.H) || r.Pixel.W <= 0 || r.Pixel.H <= 0 {
			return types.CanonicalDetection{}, false
		}
		var ox, oy, sx, sy float64 = 0, 0, 1, 1
		if r.Tile != types.FullFrame || r.TileName != "" {
			t, ok := lookupTile(r, tiles)
			if !ok {
				return types.CanonicalDetection{}, false
			}
			ox, oy = float64(t.OriginX), float64(t.OriginY)
			sx, sy = t.ScaleX(), t.ScaleY()
		}
		x1 = ox + r.Pixel.X*sx
		y1 = oy + r.Pixel.Y*sy
		x2 = ox + (r.Pixel.X+r.Pixel.W)*sx
		y2 = oy + (r.Pixel.Y+r.Pixel.H)*sy
	default:
		return types.CanonicalDetection{}, false
	}

	det := types.CanonicalDetection{
		Label:      r.Label,
		Confidence: clampConfidence(r.Confidence),
		X1:         clampInt(round(x1), 0, frame.Width-1),
		Y1:         clampInt(round(y1), 0, frame.Height-1),
		X2:         clampInt(round(x2), 0, frame.Width-1),
		Y2:         clampInt(round(y2), 0, frame.Height-1),
	}
	if det.X2 <= det.X1 || det.Y2 <= det.Y1 {
		return types.CanonicalDetection{}, false
	}
	return det, true
}

func lookupTile(r types.RawDetection, tiles []types.Tile) (types.Tile, bool) {
	if r.TileName != "" {
		for _, t := range tiles {
			if strings.EqualFold(t.Name, r.TileName) {
				return t, true
			}
		}
		return types.Tile{}, false
	}
	for _, t := range tiles {
		if t.Index == r.Tile {
			return t, true
		}
	}
	return types.Tile{}, false
}

func sortByConfidence(dets []types.CanonicalDetection) {
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Confidence > dets[j].Confidence
	})
}

// clamp ensures a value is within the given bounds; NaN maps to lo
func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampConfidence(c float64) float64 {
	if math.IsInf(c, 0) {
		return 0
	}
	return clamp(c, 0, 1)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// round converts to the nearest int, saturating far outside the int range
func round(v float64) int {
	const limit = 1 << 30
	switch {
	case math.IsNaN(v):
		return 0
	case v > limit:
		return limit
	case v < -limit:
		return -limit
	}
	return int(math.Round(v))
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
