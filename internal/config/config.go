// Package config loads service settings from the environment.
//
// Variables use the GESTURE_ prefix; the first underscore after the prefix
// separates the section from the key, so GESTURE_UPLOAD_MAX_BYTES maps to
// Config.Upload.MaxBytes. A .env file in the working directory is loaded
// first when present.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	_ "github.com/joho/godotenv/autoload"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "GESTURE_"

// Recognizer backends.
const (
	BackendGRPC = "grpc"
	BackendHTTP = "http"
)

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server" validate:"required"`
	Upload     UploadConfig     `koanf:"upload" validate:"required"`
	Recognizer RecognizerConfig `koanf:"recognizer" validate:"required"`
	Auth       AuthConfig       `koanf:"auth"`
	Log        LogConfig        `koanf:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// UploadConfig is the upload policy of POST /predict.
type UploadConfig struct {
	// TempDir is resolved against the working directory when relative.
	TempDir           string   `koanf:"temp_dir" validate:"required"`
	MaxBytes          int64    `koanf:"max_bytes" validate:"gt=0"`
	AllowedExtensions []string `koanf:"allowed_extensions" validate:"min=1,dive,required"`
	// MultipartMemory is how much of a multipart body is held in memory
	// before spilling to disk while parsing.
	MultipartMemory int64 `koanf:"multipart_memory" validate:"gt=0"`
}

// RecognizerConfig selects and reaches the gesture model service.
type RecognizerConfig struct {
	Backend     string        `koanf:"backend" validate:"oneof=grpc http"`
	Addr        string        `koanf:"addr" validate:"required_if=Backend grpc"`
	URL         string        `koanf:"url" validate:"required_if=Backend http"`
	Timeout     time.Duration `koanf:"timeout" validate:"gt=0"`
	DialTimeout time.Duration `koanf:"dial_timeout" validate:"gt=0"`
}

// AuthConfig enables bearer authentication on /predict when JWTSecret is set.
type AuthConfig struct {
	JWTSecret   string `koanf:"jwt_secret"`
	JWTAudience string `koanf:"jwt_audience"`
}

// Enabled reports whether a JWT secret is configured.
func (a AuthConfig) Enabled() bool {
	return strings.TrimSpace(a.JWTSecret) != ""
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string `koanf:"level" validate:"omitempty,oneof=debug info warn error dpanic panic fatal"`
	Development bool   `koanf:"development"`
}

// Default returns the settings used for every variable that is not set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Upload: UploadConfig{
			TempDir:           "temp",
			MaxBytes:          10 << 20,
			AllowedExtensions: []string{"jpg", "jpeg", "png", "gif"},
			MultipartMemory:   8 << 20,
		},
		Recognizer: RecognizerConfig{
			Backend:     BackendGRPC,
			Addr:        "recognizer:50051",
			URL:         "http://recognizer:5000/recognize",
			Timeout:     10 * time.Second,
			DialTimeout: 5 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the environment on top of Default and validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".", 1)
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := Default()
	// Slices from the environment replace the default list instead of
	// being merged into it.
	cfg.Upload.AllowedExtensions = nil
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if len(cfg.Upload.AllowedExtensions) == 0 {
		cfg.Upload.AllowedExtensions = Default().Upload.AllowedExtensions
	}
	cfg.Upload.AllowedExtensions = normalizeExtensions(cfg.Upload.AllowedExtensions)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, entry := range exts {
		for _, ext := range strings.Split(entry, ",") {
			ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
			if ext != "" {
				out = append(out, ext)
			}
		}
	}
	return out
}
