package detection

import (
	"fmt"
	"strings"

	"github.com/menta2k/snapdetect/pkg/types"
)

// DefaultMaxObjects caps how many objects the service is asked to return
const DefaultMaxObjects = 5

// BuildInstruction returns the single-frame detection prompt.
// Boxes are requested in normalized center form relative to the sent frame.
func BuildInstruction(frame types.FrameDescriptor, maxObjects int) string {
	if maxObjects <= 0 {
		maxObjects = DefaultMaxObjects
	}

	return fmt.Sprintf(`Return ONLY valid JSON with exactly this schema:
{"detections":[{"label":"clock","confidence":0.97,"box_norm":{"xc":0.5000,"yc":0.5000,"w":0.3000,"h":0.4000}}]}

TASK
Analyze one image (%dx%d px) and return up to %d objects with precise bounding boxes and short labels.

OUTPUT RULES
- JSON only. No prose, no markdown, no trailing commas.
- label: short noun (max two words), specific rather than generic.
- confidence: [0,1], 2 decimals.
- box_norm: xc,yc,w,h in [0,1], 4 decimals, relative to the whole image.
- Sort detections by confidence, descending.
- Return {"detections":[]} when nothing is found with certainty.

PRINCIPLES
1) Physical objects only. Ignore content shown on screens, posters, reflections or shadows; label the physical carrier instead.
2) Prefer near, clearly bounded objects over large backgrounds.
3) Boxes follow the visible contour with under 3%% extra margin; when in doubt make the box slightly too large rather than cutting the object.
4) One box is one object. No boxes spanning several objects.
5) Consider objects down to about 3%% of the image area.
6) Partially hidden objects may be labeled when their identity is clear; the box covers the visible part only.
7) Clip to the image edge; no values below 0 or above 1.
8) Merge overlapping candidates (IoU > 0.60); keep the tightest box with the highest confidence.
9) Lower confidence for motion blur, low contrast or extreme angles.`,
		frame.Width, frame.Height, maxObjects)
}

// BuildGridInstruction returns the multi-view prompt for a full frame plus its tiles.
// The full frame is the only output coordinate system; tile origins anchor tile-local boxes.
func BuildGridInstruction(frame types.FrameDescriptor, tiles []types.Tile, maxObjects int) string {
	if maxObjects <= 0 {
		maxObjects = DefaultMaxObjects
	}

	var meta strings.Builder
	for _, t := range tiles {
		fmt.Fprintf(&meta, "- %s (image %d): origin=(%d,%d) in FULL px; covers %dx%d FULL px; sent at %dx%d\n",
			t.Name, t.Index+2, t.OriginX, t.OriginY, t.Width, t.Height, t.ResizedWidth, t.ResizedHeight)
	}

	return fmt.Sprintf(`Return ONLY valid JSON, no prose.

You are given multiple views of the SAME scene:
- FULL image (image 1): size=%dx%d px. This is the output coordinate system.
- Grid tiles to refine boundaries:
%s
Task:
- Detect at most %d clearly visible distinct objects.
- Use the tiles to refine tight boxes.
- Output coordinates in FULL pixel space. If a box is only measurable in one tile, you may instead give it in that tile's pixels and set "tile" to the tile name.

Schema:
{
  "objects": [
    {"label": "bicycle", "confidence": 0.93, "box_px": {"x": 160, "y": 90, "w": 220, "h": 180}},
    {"label": "cup", "confidence": 0.81, "box_px": {"x": 12, "y": 40, "w": 60, "h": 70}, "tile": "G_2_3"}
  ]
}

Rules:
- Confidence in [0,1] with 2 decimals.
- Keep FULL coordinates within [0,%d] x [0,%d].
- Report each physical object once: merge detections of the same object seen in several tiles (IoU > 0.60).
- No trailing commas. Only JSON.`,
		frame.Width, frame.Height, meta.String(), maxObjects, frame.Width, frame.Height)
}
