package detection

import (
	"strings"

	"github.com/menta2k/snapdetect/pkg/types"
)

// IoU returns the intersection over union of two canonical boxes
func IoU(a, b types.CanonicalDetection) float64 {
	ix1, iy1 := max(a.X1, b.X1), max(a.Y1, b.Y1)
	ix2, iy2 := min(a.X2, b.X2), min(a.Y2, b.Y2)
	if ix2 <= ix1 || iy2 <= iy1 {
		return 0
	}
	inter := float64((ix2 - ix1) * (iy2 - iy1))
	union := float64(a.Area()+b.Area()) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// MergeOverlaps keeps the most confident box among same-label boxes whose IoU exceeds threshold.
// The result is ordered by confidence, highest first.
func MergeOverlaps(dets []types.CanonicalDetection, threshold float64) []types.CanonicalDetection {
	sorted := make([]types.CanonicalDetection, len(dets))
	copy(sorted, dets)
	sortByConfidence(sorted)

	kept := make([]types.CanonicalDetection, 0, len(sorted))
	for _, d := range sorted {
		overlapped := false
		for _, k := range kept {
			if strings.EqualFold(k.Label, d.Label) && IoU(k, d) > threshold {
				overlapped = true
				break
			}
		}
		if !overlapped {
			kept = append(kept, d)
		}
	}
	return kept
}
