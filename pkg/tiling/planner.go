// Package tiling splits a reference frame into a grid of tiles for multi-view detection.
package tiling

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"

	"github.com/menta2k/snapdetect/pkg/processing"
	"github.com/menta2k/snapdetect/pkg/types"
)

// ErrInvalidGrid is returned for grid shapes that cannot tile the frame
var ErrInvalidGrid = errors.New("invalid grid shape")

// Plan partitions frame into cols x rows tiles in row-major order.
// The last column and row absorb the remainder so the tiles cover the frame exactly.
func Plan(frame types.FrameDescriptor, cols, rows int) ([]types.Tile, error) {
	if !frame.Valid() {
		return nil, fmt.Errorf("%w: frame %s", ErrInvalidGrid, frame)
	}
	if cols < 1 || rows < 1 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidGrid, cols, rows)
	}
	if cols > frame.Width || rows > frame.Height {
		return nil, fmt.Errorf("%w: %dx%d grid exceeds frame %s", ErrInvalidGrid, cols, rows, frame)
	}

	cellW := frame.Width / cols
	cellH := frame.Height / rows

	tiles := make([]types.Tile, 0, cols*rows)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			ox := c * cellW
			oy := r * cellH
			w := cellW
			if c == cols-1 {
				w = frame.Width - ox
			}
			h := cellH
			if r == rows-1 {
				h = frame.Height - oy
			}
			tiles = append(tiles, types.Tile{
				Index:         len(tiles),
				Name:          fmt.Sprintf("G_%d_%d", r+1, c+1),
				OriginX:       ox,
				OriginY:       oy,
				Width:         w,
				Height:        h,
				ResizedWidth:  w,
				ResizedHeight: h,
			})
		}
	}
	return tiles, nil
}

// Planner crops and resamples planned tiles for transmission
type Planner struct {
	processor *processing.Processor
	workers   int
}

// NewPlanner creates a Planner; workers <= 0 uses GOMAXPROCS
func NewPlanner(processor *processing.Processor, workers int) *Planner {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Planner{processor: processor, workers: workers}
}

// Cut crops every tile out of the reference raster and resamples it to maxSide.
// The returned tiles carry their resized size; order matches the input.
func (p *Planner) Cut(ctx context.Context, img image.Image, tiles []types.Tile, maxSide int, format string, quality int) ([]types.Tile, []types.EncodedImage, error) {
	if len(tiles) == 0 {
		return nil, nil, nil
	}

	b := img.Bounds()
	outTiles := make([]types.Tile, len(tiles))
	outImages := make([]types.EncodedImage, len(tiles))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for i, tile := range tiles {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			rect := image.Rect(tile.OriginX, tile.OriginY, tile.OriginX+tile.Width, tile.OriginY+tile.Height).Add(b.Min)
			if !rect.In(b) {
				return fmt.Errorf("tile %s %v outside frame %v", tile.Name, rect, b)
			}

			crop := imaging.Crop(img, rect)
			res, err := p.processor.Resample(crop, processing.ResampleOptions{
				MaxSide: maxSide,
				Format:  format,
				Quality: quality,
			})
			if err != nil {
				return fmt.Errorf("tile %s: %w", tile.Name, err)
			}

			tile.ResizedWidth = res.Frame.Width
			tile.ResizedHeight = res.Frame.Height
			res.Encoded.Name = tile.Name

			outTiles[i] = tile
			outImages[i] = res.Encoded
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return outTiles, outImages, nil
}
