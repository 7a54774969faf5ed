package types

import (
	"encoding/base64"
	"fmt"
)

// FrameDescriptor is the pixel size of the reference raster that detections are anchored to
type FrameDescriptor struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Valid reports whether both dimensions are positive
func (f FrameDescriptor) Valid() bool {
	return f.Width > 0 && f.Height > 0
}

func (f FrameDescriptor) String() string {
	return fmt.Sprintf("%dx%d", f.Width, f.Height)
}

// Tile is an axis-aligned sub-rectangle of a frame, expressed in the parent frame's pixels
type Tile struct {
	Index         int    `json:"index"`
	Name          string `json:"name"`
	OriginX       int    `json:"origin_x"`
	OriginY       int    `json:"origin_y"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	ResizedWidth  int    `json:"resized_width"`
	ResizedHeight int    `json:"resized_height"`
}

// ScaleX returns the factor that maps tile-local transmitted pixels back to parent frame pixels
func (t Tile) ScaleX() float64 {
	if t.ResizedWidth <= 0 {
		return 1
	}
	return float64(t.Width) / float64(t.ResizedWidth)
}

// ScaleY is the vertical counterpart of ScaleX
func (t Tile) ScaleY() float64 {
	if t.ResizedHeight <= 0 {
		return 1
	}
	return float64(t.Height) / float64(t.ResizedHeight)
}

// BoxKind tags which box representation a RawDetection carries
type BoxKind int

const (
	BoxNormalized BoxKind = iota
	BoxPixel
)

func (k BoxKind) String() string {
	switch k {
	case BoxNormalized:
		return "normalized"
	case BoxPixel:
		return "pixel"
	default:
		return "unknown"
	}
}

// NormBox is a center-based box with every member in [0,1]
type NormBox struct {
	XC float64 `json:"xc"`
	YC float64 `json:"yc"`
	W  float64 `json:"w"`
	H  float64 `json:"h"`
}

// PixelBox is a top-left based box in pixels
type PixelBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// FullFrame marks a RawDetection that is relative to the whole frame rather than a tile
const FullFrame = -1

// RawDetection is one untrusted entry decoded from an inference response
type RawDetection struct {
	Label      string
	Confidence float64
	Kind       BoxKind
	Norm       NormBox
	Pixel      PixelBox
	// Tile is a tile index or FullFrame; TileName is set when the response named the tile instead
	Tile     int
	TileName string
}

// CanonicalDetection is a detection in full-frame pixel space.
// 0 <= X1 < X2 <= width-1 and 0 <= Y1 < Y2 <= height-1.
type CanonicalDetection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	X1         int     `json:"x1"`
	Y1         int     `json:"y1"`
	X2         int     `json:"x2"`
	Y2         int     `json:"y2"`
}

// Width of the box in pixels
func (d CanonicalDetection) Width() int { return d.X2 - d.X1 }

// Height of the box in pixels
func (d CanonicalDetection) Height() int { return d.Y2 - d.Y1 }

// Area of the box in square pixels
func (d CanonicalDetection) Area() int { return d.Width() * d.Height() }

// Viewport is the live display area the overlay is drawn into
type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ViewportTransform maps canonical pixels into viewport pixels
type ViewportTransform struct {
	Scale   float64 `json:"scale"`
	OffsetX float64 `json:"offset_x"`
	OffsetY float64 `json:"offset_y"`
}

// ScreenDetection is a detection ready to be drawn in the viewport
type ScreenDetection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	ScreenX1   int     `json:"screenX1"`
	ScreenY1   int     `json:"screenY1"`
	ScreenX2   int     `json:"screenX2"`
	ScreenY2   int     `json:"screenY2"`
}

// EncodedImage is a compressed raster ready for transmission
type EncodedImage struct {
	Name     string
	MIMEType string
	Data     []byte
	Width    int
	Height   int
}

// Base64 returns the standard base64 encoding of the payload
func (e EncodedImage) Base64() string {
	return base64.StdEncoding.EncodeToString(e.Data)
}

// DataURL returns the payload as a data: URL
func (e EncodedImage) DataURL() string {
	mime := e.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + e.Base64()
}
