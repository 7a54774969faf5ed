package tiling

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/menta2k/snapdetect/pkg/processing"
	"github.com/menta2k/snapdetect/pkg/types"
)

func TestPlanCoverage(t *testing.T) {
	frames := []types.FrameDescriptor{
		{Width: 427, Height: 640},
		{Width: 640, Height: 480},
		{Width: 7, Height: 5},
		{Width: 1000, Height: 1},
	}

	for _, frame := range frames {
		for cols := 1; cols <= 7; cols++ {
			for rows := 1; rows <= 7; rows++ {
				tiles, err := Plan(frame, cols, rows)
				if cols > frame.Width || rows > frame.Height {
					if !errors.Is(err, ErrInvalidGrid) {
						t.Errorf("%s %dx%d: expected ErrInvalidGrid, got %v", frame, cols, rows, err)
					}
					continue
				}
				if err != nil {
					t.Fatalf("%s %dx%d: Plan failed: %v", frame, cols, rows, err)
				}
				if len(tiles) != cols*rows {
					t.Fatalf("%s %dx%d: expected %d tiles, got %d", frame, cols, rows, cols*rows, len(tiles))
				}

				// every pixel is covered exactly once
				hits := make([]int, frame.Width*frame.Height)
				for i, tile := range tiles {
					if tile.Index != i {
						t.Errorf("tile %d has index %d", i, tile.Index)
					}
					if tile.OriginX < 0 || tile.OriginY < 0 ||
						tile.OriginX+tile.Width > frame.Width || tile.OriginY+tile.Height > frame.Height {
						t.Errorf("%s %dx%d: tile %v out of bounds", frame, cols, rows, tile)
					}
					for y := tile.OriginY; y < tile.OriginY+tile.Height; y++ {
						for x := tile.OriginX; x < tile.OriginX+tile.Width; x++ {
							hits[y*frame.Width+x]++
						}
					}
				}
				for idx, n := range hits {
					if n != 1 {
						t.Fatalf("%s %dx%d: pixel (%d,%d) covered %d times", frame, cols, rows, idx%frame.Width, idx/frame.Width, n)
					}
				}
			}
		}
	}
}

func TestPlanRemainder(t *testing.T) {
	tiles, err := Plan(types.FrameDescriptor{Width: 100, Height: 50}, 3, 2)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	expected := []types.Tile{
		{Index: 0, Name: "G_1_1", OriginX: 0, OriginY: 0, Width: 33, Height: 25},
		{Index: 1, Name: "G_1_2", OriginX: 33, OriginY: 0, Width: 33, Height: 25},
		{Index: 2, Name: "G_1_3", OriginX: 66, OriginY: 0, Width: 34, Height: 25},
		{Index: 3, Name: "G_2_1", OriginX: 0, OriginY: 25, Width: 33, Height: 25},
		{Index: 4, Name: "G_2_2", OriginX: 33, OriginY: 25, Width: 33, Height: 25},
		{Index: 5, Name: "G_2_3", OriginX: 66, OriginY: 25, Width: 34, Height: 25},
	}
	for i, want := range expected {
		want.ResizedWidth, want.ResizedHeight = want.Width, want.Height
		if tiles[i] != want {
			t.Errorf("tile %d: expected %+v, got %+v", i, want, tiles[i])
		}
	}
}

func TestPlanInvalid(t *testing.T) {
	cases := []struct {
		frame      types.FrameDescriptor
		cols, rows int
	}{
		{types.FrameDescriptor{Width: 100, Height: 100}, 0, 3},
		{types.FrameDescriptor{Width: 100, Height: 100}, 3, -1},
		{types.FrameDescriptor{Width: 0, Height: 100}, 1, 1},
	}
	for _, tc := range cases {
		if _, err := Plan(tc.frame, tc.cols, tc.rows); !errors.Is(err, ErrInvalidGrid) {
			t.Errorf("%s %dx%d: expected ErrInvalidGrid, got %v", tc.frame, tc.cols, tc.rows, err)
		}
	}
}

func TestCutResamplesEachTile(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 600, 400))
	for y := 0; y < 400; y++ {
		for x := 0; x < 600; x++ {
			img.SetNRGBA(x, y, color.NRGBA{uint8(x % 256), uint8(y % 256), 0, 255})
		}
	}

	tiles, err := Plan(types.FrameDescriptor{Width: 600, Height: 400}, 3, 2)
	if err != nil {
		t.Fatal(err)
	}

	planner := NewPlanner(processing.NewProcessor(), 2)
	out, images, err := planner.Cut(context.Background(), img, tiles, 100, processing.FormatJPEG, 75)
	if err != nil {
		t.Fatalf("Cut failed: %v", err)
	}
	if len(out) != len(tiles) || len(images) != len(tiles) {
		t.Fatalf("Expected %d tiles and images, got %d and %d", len(tiles), len(out), len(images))
	}

	for i, tile := range out {
		if tile.OriginX != tiles[i].OriginX || tile.OriginY != tiles[i].OriginY {
			t.Errorf("tile %d origin changed: %+v", i, tile)
		}
		// 200x200 cells bounded to 100
		if tile.ResizedWidth != 100 || tile.ResizedHeight != 100 {
			t.Errorf("tile %d resized to %dx%d", i, tile.ResizedWidth, tile.ResizedHeight)
		}
		if images[i].Name != tile.Name {
			t.Errorf("image %d named %q, tile %q", i, images[i].Name, tile.Name)
		}
		if len(images[i].Data) == 0 {
			t.Errorf("image %d is empty", i)
		}
		if tile.ScaleX() != 2 || tile.ScaleY() != 2 {
			t.Errorf("tile %d scale %f,%f", i, tile.ScaleX(), tile.ScaleY())
		}
	}
}

func TestCutCancelled(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	tiles, _ := Plan(types.FrameDescriptor{Width: 64, Height: 64}, 2, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	planner := NewPlanner(processing.NewProcessor(), 1)
	if _, _, err := planner.Cut(ctx, img, tiles, 32, processing.FormatJPEG, 75); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
