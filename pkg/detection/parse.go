package detection

import (
	"encoding/json"
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/menta2k/snapdetect/pkg/types"
)

// ErrUnparsable is returned when no JSON object can be recovered from a response
var ErrUnparsable = errors.New("inference response unparsable")

// DefaultLabel replaces missing or empty labels
const DefaultLabel = "object"

var (
	reBlock    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLine     = regexp.MustCompile(`(?m)^\s*//.*$`)
	reTrailing = regexp.MustCompile(`,(\s*[}\]])`)
)

// responseDocument is the envelope of a detection response; either array key is accepted
type responseDocument struct {
	Detections []json.RawMessage `json:"detections"`
	Objects    []json.RawMessage `json:"objects"`
}

func (d responseDocument) entries() []json.RawMessage {
	if len(d.Detections) > 0 {
		return d.Detections
	}
	return d.Objects
}

// ParseResponse decodes the raw text returned by an inference call.
// It tries the text as-is, then the span between the first '{' and the last '}',
// then a sanitized copy with code fences, comments and trailing commas removed.
// Entries without a usable box are skipped and counted in dropped.
func ParseResponse(raw string) (entries []types.RawDetection, dropped int, err error) {
	doc, ok := decodeDocument(raw)
	if !ok {
		return nil, 0, ErrUnparsable
	}

	for _, item := range doc.entries() {
		det, ok := decodeEntry(item)
		if !ok {
			dropped++
			continue
		}
		entries = append(entries, det)
	}
	return entries, dropped, nil
}

func decodeDocument(raw string) (responseDocument, bool) {
	var doc responseDocument
	if err := json.Unmarshal([]byte(raw), &doc); err == nil {
		return doc, true
	}

	if sliced, ok := braceSlice(raw); ok {
		doc = responseDocument{}
		if err := json.Unmarshal([]byte(sliced), &doc); err == nil {
			return doc, true
		}
	}

	if sliced, ok := braceSlice(sanitizeModelJSON(raw)); ok {
		doc = responseDocument{}
		if err := json.Unmarshal([]byte(sliced), &doc); err == nil {
			return doc, true
		}
	}
	return responseDocument{}, false
}

// braceSlice returns the substring from the first '{' to the last '}'
func braceSlice(raw string) (string, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}

// sanitizeModelJSON removes code fences, comments and trailing commas
func sanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.Trim(strings.TrimSpace(raw), "`")

	raw = reBlock.ReplaceAllString(raw, "")
	raw = reLine.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")
	return strings.TrimSpace(raw)
}

func decodeEntry(item json.RawMessage) (types.RawDetection, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(item, &fields); err != nil {
		return types.RawDetection{}, false
	}

	det := types.RawDetection{
		Label: DefaultLabel,
		Tile:  types.FullFrame,
	}
	for _, key := range []string{"label", "label_no", "name"} {
		if s, ok := coerceString(fields[key]); ok && s != "" {
			det.Label = s
			break
		}
	}
	if c, ok := coerceNumber(fields["confidence"]); ok {
		det.Confidence = c
	}

	switch {
	case len(fields["box_norm"]) > 0:
		norm, ok := decodeNormBox(fields["box_norm"])
		if !ok {
			return types.RawDetection{}, false
		}
		det.Kind = types.BoxNormalized
		det.Norm = norm
	case len(fields["box_px"]) > 0:
		px, ok := decodePixelBox(fields["box_px"])
		if !ok {
			return types.RawDetection{}, false
		}
		det.Kind = types.BoxPixel
		det.Pixel = px
	case len(fields["box"]) > 0:
		if norm, ok := decodeNormBox(fields["box"]); ok && hasKey(fields["box"], "xc") {
			det.Kind = types.BoxNormalized
			det.Norm = norm
		} else if px, ok := decodePixelBox(fields["box"]); ok {
			det.Kind = types.BoxPixel
			det.Pixel = px
		} else {
			return types.RawDetection{}, false
		}
	default:
		return types.RawDetection{}, false
	}

	if ref := fields["tile"]; len(ref) > 0 {
		if idx, ok := coerceNumber(ref); ok && idx == math.Trunc(idx) {
			det.Tile = int(idx)
		} else if name, ok := coerceString(ref); ok && name != "" && !strings.EqualFold(name, "FULL") {
			det.TileName = name
		}
	}
	return det, true
}

// decodeNormBox accepts {xc,yc,w,h} or a top-left {x,y,w,h} in normalized units
func decodeNormBox(raw json.RawMessage) (types.NormBox, bool) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return types.NormBox{}, false
	}
	w, okW := coerceNumber(m["w"])
	h, okH := coerceNumber(m["h"])
	if !okW || !okH {
		return types.NormBox{}, false
	}
	if xc, okX := coerceNumber(m["xc"]); okX {
		yc, okY := coerceNumber(m["yc"])
		if !okY {
			return types.NormBox{}, false
		}
		return types.NormBox{XC: xc, YC: yc, W: w, H: h}, true
	}
	x, okX := coerceNumber(m["x"])
	y, okY := coerceNumber(m["y"])
	if !okX || !okY {
		return types.NormBox{}, false
	}
	return types.NormBox{XC: x + w/2, YC: y + h/2, W: w, H: h}, true
}

func decodePixelBox(raw json.RawMessage) (types.PixelBox, bool) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return types.PixelBox{}, false
	}
	var vals [4]float64
	for i, key := range []string{"x", "y", "w", "h"} {
		v, ok := coerceNumber(m[key])
		if !ok {
			return types.PixelBox{}, false
		}
		vals[i] = v
	}
	return types.PixelBox{X: vals[0], Y: vals[1], W: vals[2], H: vals[3]}, true
}

func hasKey(raw json.RawMessage, key string) bool {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	_, ok := m[key]
	return ok
}

// coerceNumber accepts JSON numbers and numeric strings; NaN and Inf are rejected
func coerceNumber(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func coerceString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return strings.TrimSpace(s), true
}
