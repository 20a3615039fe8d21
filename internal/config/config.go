package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds everything the server needs at startup.
type Config struct {
	Port string `yaml:"port"`

	ModelPath     string  `yaml:"model_path"`
	MetadataPath  string  `yaml:"metadata_path"`
	LibraryPath   string  `yaml:"onnxruntime_library"`
	ConfThreshold float32 `yaml:"conf_threshold"`
	IoUThreshold  float32 `yaml:"iou_threshold"`
	MaxDetections int     `yaml:"max_detections"`

	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	MaxImageBytes   int64         `yaml:"max_image_bytes"`
	MaxImagePixels  int64         `yaml:"max_image_pixels"`
	AllowLocalPaths bool          `yaml:"allow_local_paths"`
	LocalRoot       string        `yaml:"local_root"`

	CORSOrigins     []string      `yaml:"cors_origins"`
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Port:            "8080",
		ModelPath:       "weights/best.onnx",
		MetadataPath:    "weights/best.json",
		ConfThreshold:   0.25,
		IoUThreshold:    0.7,
		MaxDetections:   300,
		FetchTimeout:    10 * time.Second,
		MaxImageBytes:   10 << 20,
		MaxImagePixels:  40_000_000,
		AllowLocalPaths: true,
		CORSOrigins:     []string{"*"},
		LogLevel:        "info",
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load builds a Config from defaults, then the YAML file at path (skipped when path is empty),
// then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read config %q", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to parse config %q", path)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.ModelPath = getEnv("MODEL_PATH", c.ModelPath)
	c.MetadataPath = getEnv("MODEL_METADATA_PATH", c.MetadataPath)
	c.LibraryPath = getEnv("ONNXRUNTIME_LIB", c.LibraryPath)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	if v := getEnv("CONF_THRESHOLD", ""); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return errors.Wrap(err, "invalid CONF_THRESHOLD")
		}
		c.ConfThreshold = float32(f)
	}
	if v := getEnv("IOU_THRESHOLD", ""); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return errors.Wrap(err, "invalid IOU_THRESHOLD")
		}
		c.IoUThreshold = float32(f)
	}
	if v := getEnv("FETCH_TIMEOUT", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "invalid FETCH_TIMEOUT")
		}
		c.FetchTimeout = d
	}
	if v := getEnv("ALLOW_LOCAL_PATHS", ""); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, "invalid ALLOW_LOCAL_PATHS")
		}
		c.AllowLocalPaths = b
	}
	return nil
}

// Validate reports the first setting that would make the server misbehave.
func (c *Config) Validate() error {
	switch {
	case c.Port == "":
		return errors.New("port must not be empty")
	case c.ModelPath == "":
		return errors.New("model_path must not be empty")
	case c.MetadataPath == "":
		return errors.New("metadata_path must not be empty")
	case c.ConfThreshold < 0 || c.ConfThreshold > 1:
		return errors.Errorf("conf_threshold must be within [0,1], got %v", c.ConfThreshold)
	case c.IoUThreshold < 0 || c.IoUThreshold > 1:
		return errors.Errorf("iou_threshold must be within [0,1], got %v", c.IoUThreshold)
	case c.MaxDetections <= 0:
		return errors.New("max_detections must be positive")
	case c.FetchTimeout <= 0:
		return errors.New("fetch_timeout must be positive")
	case c.MaxImageBytes <= 0:
		return errors.New("max_image_bytes must be positive")
	case c.MaxImagePixels <= 0:
		return errors.New("max_image_pixels must be positive")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Port
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}
