package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Capture   CaptureConfig   `json:"capture"`
	Tiling    TilingConfig    `json:"tiling"`
	Inference InferenceConfig `json:"inference"`
	Detection DetectionConfig `json:"detection"`
	Overlay   OverlayConfig   `json:"overlay"`
	Output    OutputConfig    `json:"output"`
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
}

// CaptureConfig holds configuration for resampling a capture
type CaptureConfig struct {
	MaxSide     int    `json:"max_side"`
	Format      string `json:"format"`
	JPEGQuality int    `json:"jpeg_quality"`
	Mirror      bool   `json:"mirror"`
}

// TilingConfig enables the multi-view grid when both grid dimensions are positive
type TilingConfig struct {
	GridCols    int `json:"grid_cols"`
	GridRows    int `json:"grid_rows"`
	FullMaxSide int `json:"full_max_side"`
	TileMaxSide int `json:"tile_max_side"`
	Workers     int `json:"workers"`
}

// InferenceConfig selects and configures the remote vision service.
// An empty Model uses the backend's default.
type InferenceConfig struct {
	Backend    string `json:"backend"`
	URL        string `json:"url"`
	Model      string `json:"model"`
	APIKey     string `json:"api_key,omitempty"`
	TimeoutMs  int    `json:"timeout_ms"`
	Detail     string `json:"detail"`
	MaxObjects int    `json:"max_objects"`
}

// DetectionConfig holds normalizer settings
type DetectionConfig struct {
	MaxDetections int     `json:"max_detections"`
	MergeIoU      float64 `json:"merge_iou"`
}

// OverlayConfig is the viewport the overlay is projected into
type OverlayConfig struct {
	ViewportWidth  float64 `json:"viewport_width"`
	ViewportHeight float64 `json:"viewport_height"`
}

// OutputConfig holds configuration for debug output
type OutputConfig struct {
	OutputDir    string `json:"output_dir"`
	Prefix       string `json:"prefix"`
	Suffix       string `json:"suffix"`
	Format       string `json:"format"`
	DebugOverlay bool   `json:"debug_overlay"`
}

// ServerConfig enables the HTTP capture API when Addr is set
type ServerConfig struct {
	Addr string `json:"addr"`
}

// LoggingConfig configures the logrus logger
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Supported inference backends
const (
	BackendOpenAI   = "openai"
	BackendOllama   = "ollama"
	BackendLlamaCpp = "llamacpp"
	BackendGemini   = "gemini"
)

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			MaxSide:     768,
			Format:      "jpg",
			JPEGQuality: 85,
		},
		Tiling: TilingConfig{
			FullMaxSide: 448,
			TileMaxSide: 256,
		},
		Inference: InferenceConfig{
			Backend:    BackendOpenAI,
			TimeoutMs:  15000,
			Detail:     "high",
			MaxObjects: 5,
		},
		Overlay: OverlayConfig{
			ViewportWidth:  390,
			ViewportHeight: 844,
		},
		Output: OutputConfig{
			OutputDir: "./output",
			Suffix:    "_overlay",
			Format:    "png",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a JSON file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON file. The API key is never written.
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	out := *c
	out.Inference.APIKey = ""
	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadEnv reads the given .env files (missing files are skipped) and applies
// environment overrides to c. Variables already set in the process win over .env values.
func (c *Config) LoadEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return c.ApplyEnv(os.LookupEnv)
}

// ApplyEnv overrides fields from SNAPDETECT_* variables and the backend API key variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}

	str("SNAPDETECT_BACKEND", &c.Inference.Backend)
	str("SNAPDETECT_URL", &c.Inference.URL)
	str("SNAPDETECT_MODEL", &c.Inference.Model)
	str("SNAPDETECT_DETAIL", &c.Inference.Detail)
	num("SNAPDETECT_TIMEOUT_MS", &c.Inference.TimeoutMs)
	num("SNAPDETECT_MAX_SIDE", &c.Capture.MaxSide)
	num("SNAPDETECT_JPEG_QUALITY", &c.Capture.JPEGQuality)
	num("SNAPDETECT_GRID_COLS", &c.Tiling.GridCols)
	num("SNAPDETECT_GRID_ROWS", &c.Tiling.GridRows)
	num("SNAPDETECT_TILE_MAX_SIDE", &c.Tiling.TileMaxSide)
	str("SNAPDETECT_SERVE_ADDR", &c.Server.Addr)
	str("SNAPDETECT_LOG_LEVEL", &c.Logging.Level)
	str("SNAPDETECT_LOG_FORMAT", &c.Logging.Format)

	str("SNAPDETECT_API_KEY", &c.Inference.APIKey)
	if c.Inference.APIKey == "" {
		switch c.Inference.Backend {
		case BackendOpenAI:
			str("OPENAI_API_KEY", &c.Inference.APIKey)
		case BackendGemini:
			str("GEMINI_API_KEY", &c.Inference.APIKey)
		}
	}

	return errors.Join(errs...)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Capture.JPEGQuality < 1 || c.Capture.JPEGQuality > 100 {
		return fmt.Errorf("capture.jpeg_quality must be between 1 and 100")
	}

	switch strings.ToLower(c.Capture.Format) {
	case "jpg", "png", "webp":
	default:
		return fmt.Errorf("capture.format must be jpg, png or webp")
	}

	if c.Tiling.GridCols < 0 || c.Tiling.GridRows < 0 {
		return fmt.Errorf("tiling.grid_cols and tiling.grid_rows cannot be negative")
	}

	if (c.Tiling.GridCols > 0) != (c.Tiling.GridRows > 0) {
		return fmt.Errorf("tiling.grid_cols and tiling.grid_rows must be set together")
	}

	if c.Tiling.TileMaxSide < 0 || c.Tiling.FullMaxSide < 0 {
		return fmt.Errorf("tiling max sides cannot be negative")
	}

	switch c.Inference.Backend {
	case BackendOpenAI, BackendOllama, BackendLlamaCpp, BackendGemini:
	default:
		return fmt.Errorf("inference.backend must be one of openai, ollama, llamacpp, gemini")
	}

	if c.Inference.TimeoutMs <= 0 {
		return fmt.Errorf("inference.timeout_ms must be positive")
	}

	if c.Detection.MergeIoU < 0 || c.Detection.MergeIoU > 1 {
		return fmt.Errorf("detection.merge_iou must be between 0 and 1")
	}

	if c.Detection.MaxDetections < 0 {
		return fmt.Errorf("detection.max_detections cannot be negative")
	}

	if c.Overlay.ViewportWidth <= 0 || c.Overlay.ViewportHeight <= 0 {
		return fmt.Errorf("overlay viewport must be positive")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "snapdetect", "config.json")
}
