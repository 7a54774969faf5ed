package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/snapdetect"
	"github.com/menta2k/snapdetect/internal/config"
	"github.com/menta2k/snapdetect/internal/logging"
	"github.com/menta2k/snapdetect/internal/utils"
	"github.com/menta2k/snapdetect/pkg/processing"
	"github.com/menta2k/snapdetect/pkg/session"
	"github.com/menta2k/snapdetect/pkg/stream"
	"github.com/menta2k/snapdetect/pkg/types"
)

func main() {
	var in, cfgPath, envPath string
	var backend, url, model string
	var grid, viewport string
	var maxSide, quality, timeoutMs int
	var mirror, debug, version bool
	var outDir, dbgext, serve string

	flag.StringVar(&in, "in", "", "input image path, directory or URL (jpg/png/webp)")
	flag.StringVar(&cfgPath, "config", "", "config file (default "+config.GetConfigPath()+" if present)")
	flag.StringVar(&envPath, "env", ".env", "optional .env file with SNAPDETECT_* overrides")

	flag.StringVar(&backend, "backend", "", "inference backend: openai|ollama|llamacpp|gemini")
	flag.StringVar(&url, "url", "", "server URL (defaults: ollama=http://localhost:11434, llamacpp=http://localhost:8080)")
	flag.StringVar(&model, "model", "", "model name (empty uses the backend default)")

	flag.IntVar(&maxSide, "maxside", 0, "max long side of the frame sent for inference (px)")
	flag.IntVar(&quality, "quality", 0, "JPEG/WebP quality of the frame sent for inference (1-100)")
	flag.StringVar(&grid, "grid", "", "tile grid COLSxROWS, e.g. 3x2 (empty disables tiling)")
	flag.IntVar(&timeoutMs, "timeout", 0, "inference timeout in milliseconds")
	flag.BoolVar(&mirror, "mirror", false, "mirror the capture horizontally (front camera)")
	flag.StringVar(&viewport, "viewport", "", "display viewport WxH the overlay is projected into, e.g. 390x844")

	flag.StringVar(&outDir, "out", "", "output directory for debug overlays")
	flag.BoolVar(&debug, "debug", false, "write debug overlay images of the canonical boxes")
	flag.StringVar(&dbgext, "dbgext", "", "debug overlay format: png|jpg|webp")
	flag.StringVar(&serve, "serve", "", "serve the capture API and viewer websocket on this address, e.g. :8080")
	flag.BoolVar(&version, "version", false, "print version and exit")

	flag.Parse()
	if version {
		fmt.Println("snapdetect", snapdetect.Version)
		return
	}

	cfg, err := loadConfig(cfgPath, envPath)
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["serve"] {
		cfg.Server.Addr = serve
	}
	if in == "" && cfg.Server.Addr == "" {
		fmt.Fprintf(os.Stderr, "usage: %s -in input.jpg|dir|URL | -serve :8080 [-backend openai|ollama|llamacpp|gemini] [-grid 3x2] [-viewport 390x844] [-debug -out outdir]\n", filepath.Base(os.Args[0]))
		os.Exit(2)
	}
	if set["backend"] {
		cfg.Inference.Backend = backend
	}
	if set["url"] {
		cfg.Inference.URL = url
	}
	if set["model"] {
		cfg.Inference.Model = model
	}
	if set["maxside"] {
		cfg.Capture.MaxSide = maxSide
	}
	if set["quality"] {
		cfg.Capture.JPEGQuality = quality
	}
	if set["timeout"] {
		cfg.Inference.TimeoutMs = timeoutMs
	}
	if set["mirror"] {
		cfg.Capture.Mirror = mirror
	}
	if set["grid"] {
		if cfg.Tiling.GridCols, cfg.Tiling.GridRows, err = parseSize(grid); err != nil && grid != "" {
			logrus.Fatalf("invalid -grid: %v", err)
		}
	}
	if set["viewport"] {
		w, h, err := parseSize(viewport)
		if err != nil {
			logrus.Fatalf("invalid -viewport: %v", err)
		}
		cfg.Overlay.ViewportWidth, cfg.Overlay.ViewportHeight = float64(w), float64(h)
	}
	if set["out"] {
		cfg.Output.OutputDir = outDir
	}
	if set["debug"] {
		cfg.Output.DebugOverlay = debug
	}
	if set["dbgext"] {
		cfg.Output.Format = dbgext
	}

	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("config: %v", err)
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		logrus.Fatalf("logging: %v", err)
	}

	backendClient, err := snapdetect.NewClient(snapdetect.BackendConfig{
		Backend: cfg.Inference.Backend,
		URL:     cfg.Inference.URL,
		Model:   cfg.Inference.Model,
		APIKey:  cfg.Inference.APIKey,
	})
	if err != nil {
		log.Fatal(err)
	}

	pipeline := snapdetect.New(backendClient, sessionOptions(cfg), types.Viewport{
		Width:  cfg.Overlay.ViewportWidth,
		Height: cfg.Overlay.ViewportHeight,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if in == "" {
		srv := stream.NewServer(ctx, pipeline.Controller(), pipeline.Projector(), log)
		if err := srv.ListenAndServe(ctx, cfg.Server.Addr); err != nil {
			log.Fatal(err)
		}
		return
	}

	sources := []string{in}
	if !utils.IsURL(in) && utils.DirExists(in) {
		if sources, err = utils.ListImageFiles(in); err != nil {
			log.Fatal(err)
		}
		if len(sources) == 0 {
			log.Fatalf("no image files in %s", in)
		}
	}

	if cfg.Output.DebugOverlay {
		if err := utils.EnsureDir(cfg.Output.OutputDir); err != nil {
			log.Fatal(err)
		}
	}

	processor := processing.NewProcessor()
	failed := 0
	for _, src := range sources {
		if err := captureOne(ctx, log, processor, pipeline, cfg, src); err != nil {
			failed++
			log.WithField("source", src).Error(err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func loadConfig(path, envPath string) (*config.Config, error) {
	cfg := config.Default()
	if path == "" {
		if def := config.GetConfigPath(); fileExists(def) {
			path = def
		}
	}
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.LoadEnv(envPath); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func sessionOptions(cfg *config.Config) session.Options {
	return session.Options{
		MaxSide:       cfg.Capture.MaxSide,
		GridMaxSide:   cfg.Tiling.FullMaxSide,
		TileMaxSide:   cfg.Tiling.TileMaxSide,
		GridCols:      cfg.Tiling.GridCols,
		GridRows:      cfg.Tiling.GridRows,
		Format:        cfg.Capture.Format,
		Quality:       cfg.Capture.JPEGQuality,
		Mirror:        cfg.Capture.Mirror,
		Timeout:       time.Duration(cfg.Inference.TimeoutMs) * time.Millisecond,
		MaxObjects:    cfg.Inference.MaxObjects,
		MaxDetections: cfg.Detection.MaxDetections,
		MergeIoU:      cfg.Detection.MergeIoU,
		Detail:        cfg.Inference.Detail,
		Workers:       cfg.Tiling.Workers,
	}
}

func captureOne(ctx context.Context, log *logrus.Logger, processor *processing.Processor, p *snapdetect.Pipeline, cfg *config.Config, src string) error {
	img, err := processor.LoadImageSmart(ctx, src)
	if err != nil {
		return err
	}

	start := time.Now()
	res, err := p.Capture(ctx, session.Input{Image: img})
	if err != nil {
		var se *session.Error
		if errors.As(err, &se) {
			_ = p.Controller().Acknowledge()
			if se.Kind == session.KindTimeout {
				return fmt.Errorf("inference took too long (limit %s): %w", p.Controller().Options().Timeout, err)
			}
		}
		return err
	}
	defer func() { _ = p.Dismiss() }()

	log.WithFields(logrus.Fields{
		"source":     src,
		"frame":      res.Session.Frame.String(),
		"tiles":      len(res.Session.Tiles),
		"detections": len(res.Overlay),
		"dropped":    res.Session.Dropped,
		"elapsed":    time.Since(start).Round(time.Millisecond),
	}).Info("capture ready")

	js, err := json.MarshalIndent(struct {
		Source string `json:"source"`
		snapdetect.Result
	}{src, res}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(js))

	if cfg.Output.DebugOverlay {
		// redo the deterministic resample to get the raster the boxes refer to
		eff := p.Controller().Options()
		maxSide := eff.MaxSide
		if eff.GridCols > 0 && eff.GridRows > 0 {
			maxSide = eff.GridMaxSide
		}
		ref, err := processor.Resample(img, processing.ResampleOptions{MaxSide: maxSide, Mirror: eff.Mirror, Format: processing.FormatPNG})
		if err != nil {
			return err
		}
		dbg := processor.CreateDebugOverlay(ref.Image, res.Session.Detections)
		format := strings.ToLower(cfg.Output.Format)
		path := utils.GenerateOutputFilename(src, cfg.Output.OutputDir, cfg.Output.Prefix, cfg.Output.Suffix, format)
		if err := processor.SaveImage(dbg, path, format, 92, false); err != nil {
			return fmt.Errorf("debug overlay save failed: %w", err)
		}
		if info, err := os.Stat(path); err == nil {
			log.Infof("wrote %s (%s)", path, utils.FormatFileSize(info.Size()))
		}
	}
	return nil
}

// parseSize parses "WxH"
func parseSize(s string) (int, int, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected WxH, got %q", s)
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("sizes must be positive, got %q", s)
	}
	return w, h, nil
}
