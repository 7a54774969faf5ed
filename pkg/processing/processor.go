package processing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/snapdetect/pkg/types"
)

// ErrUnreadableSource is returned when a captured raster cannot be decoded
var ErrUnreadableSource = errors.New("source image unreadable")

// Supported transmission formats
const (
	FormatJPEG = "jpg"
	FormatPNG  = "png"
	FormatWebP = "webp"
)

// ResampleOptions controls how a capture is turned into a bounded payload
type ResampleOptions struct {
	// MaxSide bounds the longest side; 0 keeps the original size
	MaxSide int
	// Mirror flips the raster horizontally (front-facing sensor)
	Mirror  bool
	Format  string
	Quality int
}

// Resampled is a bounded raster together with its encoded payload
type Resampled struct {
	Image   image.Image
	Frame   types.FrameDescriptor
	Encoded types.EncodedImage
	Scale   float64
}

// Processor handles image processing operations
type Processor struct {
	httpClient *http.Client
}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Decode decodes an encoded capture, baking in EXIF orientation
func (p *Processor) Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrUnreadableSource)
	}

	if img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true)); err == nil {
		return img, nil
	}

	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}

	return nil, fmt.Errorf("%w: unknown or unsupported format", ErrUnreadableSource)
}

// LoadImage loads an image from a file path
func (p *Processor) LoadImage(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableSource, err)
	}
	return p.Decode(data)
}

// LoadImageFromURL downloads and decodes an image
func (p *Processor) LoadImageFromURL(ctx context.Context, imageURL string) (image.Image, error) {
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsedURL.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "snapdetect/1.0")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: HTTP %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("URL does not point to an image (Content-Type: %s)", contentType)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	return p.Decode(data)
}

// LoadImageSmart loads an image from either a file path or URL
func (p *Processor) LoadImageSmart(ctx context.Context, source string) (image.Image, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return p.LoadImageFromURL(ctx, source)
	}
	return p.LoadImage(source)
}

// TargetSize returns the bounded size for a W x H raster and the scale applied.
// scale = min(1, maxSide/max(W,H)); maxSide <= 0 disables bounding.
func TargetSize(w, h, maxSide int) (int, int, float64) {
	if maxSide <= 0 || w <= 0 || h <= 0 {
		return w, h, 1
	}
	longest := w
	if h > longest {
		longest = h
	}
	scale := math.Min(1, float64(maxSide)/float64(longest))
	if scale >= 1 {
		return w, h, 1
	}
	tw := int(math.Round(float64(w) * scale))
	th := int(math.Round(float64(h) * scale))
	if tw < 1 {
		tw = 1
	}
	if th < 1 {
		th = 1
	}
	return tw, th, scale
}

// Resample orients, bounds and encodes a captured raster.
// Mirroring happens before measuring so the frame is in final display orientation.
func (p *Processor) Resample(img image.Image, opts ResampleOptions) (Resampled, error) {
	if img == nil {
		return Resampled{}, fmt.Errorf("%w: nil image", ErrUnreadableSource)
	}

	if opts.Mirror {
		img = imaging.FlipH(img)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return Resampled{}, fmt.Errorf("%w: invalid dimensions %dx%d", ErrUnreadableSource, w, h)
	}

	tw, th, scale := TargetSize(w, h, opts.MaxSide)
	if scale < 1 {
		img = imaging.Resize(img, tw, th, imaging.Lanczos)
	}

	encoded, err := p.Encode(img, opts.Format, opts.Quality)
	if err != nil {
		return Resampled{}, err
	}

	return Resampled{
		Image:   img,
		Frame:   types.FrameDescriptor{Width: tw, Height: th},
		Encoded: encoded,
		Scale:   scale,
	}, nil
}

// Encode compresses a raster into the requested transmission format
func (p *Processor) Encode(img image.Image, format string, quality int) (types.EncodedImage, error) {
	if quality < 1 || quality > 100 {
		quality = 85
	}

	var buf bytes.Buffer
	var mime string
	switch strings.ToLower(format) {
	case FormatPNG:
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return types.EncodedImage{}, fmt.Errorf("png encode: %w", err)
		}
		mime = "image/png"
	case FormatWebP:
		if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)}); err != nil {
			return types.EncodedImage{}, fmt.Errorf("webp encode: %w", err)
		}
		mime = "image/webp"
	default: // jpg
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return types.EncodedImage{}, fmt.Errorf("jpeg encode: %w", err)
		}
		mime = "image/jpeg"
	}

	b := img.Bounds()
	return types.EncodedImage{
		MIMEType: mime,
		Data:     buf.Bytes(),
		Width:    b.Dx(),
		Height:   b.Dy(),
	}, nil
}

// SaveImage saves an image to a file with the specified format and quality
func (p *Processor) SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	switch strings.ToLower(format) {
	case FormatWebP:
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return webp.Encode(f, img, &webp.Options{Lossless: lossless, Quality: float32(quality)})
	case FormatPNG:
		return imaging.Save(img, path)
	default: // jpg/jpeg
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	}
}

// CreateDebugOverlay draws canonical detection boxes onto a copy of the reference raster
func (p *Processor) CreateDebugOverlay(img image.Image, dets []types.CanonicalDetection) image.Image {
	nrgba := imaging.Clone(img)
	w := nrgba.Bounds().Dx()
	h := nrgba.Bounds().Dy()

	yellow := color.NRGBA{255, 230, 0, 255}
	blue := color.NRGBA{0, 170, 255, 255}
	stroke := int(math.Max(2, 0.004*float64(min(w, h))))

	for _, d := range dets {
		drawRect(nrgba, d.X1, d.Y1, d.X2, d.Y2, yellow, stroke)
	}

	// frame center marker
	ix, iy := w/2, h/2
	drawHLine(nrgba, iy, ix-6, ix+6, blue)
	drawVLine(nrgba, ix, iy-6, iy+6, blue)

	return nrgba
}

// drawRect strokes the inclusive rectangle [x0,x1] x [y0,y1]
func drawRect(img *image.NRGBA, x0, y0, x1, y1 int, c color.NRGBA, stroke int) {
	for s := 0; s < stroke; s++ {
		drawHLine(img, y0+s, x0, x1+1, c)
		drawHLine(img, y1-s, x0, x1+1, c)
		drawVLine(img, x0+s, y0, y1+1, c)
		drawVLine(img, x1-s, y0, y1+1, c)
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	b := img.Bounds()
	if y < 0 || y >= b.Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	x0 = max(x0, 0)
	x1 = min(x1, b.Dx())
	for x := x0; x < x1; x++ {
		img.SetNRGBA(x, y, c)
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	b := img.Bounds()
	if x < 0 || x >= b.Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	y0 = max(y0, 0)
	y1 = min(y1, b.Dy())
	for y := y0; y < y1; y++ {
		img.SetNRGBA(x, y, c)
	}
}
