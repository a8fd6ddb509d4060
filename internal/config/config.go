package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/memohai/composer/internal/media"
)

const (
	DefaultConfigPath         = "config.toml"
	DefaultSessionURL         = "ws://127.0.0.1:6060/v0/channels"
	DefaultSessionTimeout     = 15 * time.Second
	DefaultUploadTimeout      = 10 * time.Minute
	DefaultProgressInterval   = 250 * time.Millisecond
	DefaultTypingIntervalMs   = 3000
	DefaultMaxAttachmentBytes = 64 << 20
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Log     LogConfig     `toml:"log" yaml:"log"`
	Limits  LimitsConfig  `toml:"limits" yaml:"limits"`
	Typing  TypingConfig  `toml:"typing" yaml:"typing"`
	Session SessionConfig `toml:"session" yaml:"session"`
	Upload  UploadConfig  `toml:"upload" yaml:"upload"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `toml:"format" yaml:"format" validate:"omitempty,oneof=text json"`
}

type LimitsConfig struct {
	MaxInbandBytes      int64    `toml:"max_inband_bytes" yaml:"max_inband_bytes" validate:"gt=0"`
	MaxExternBytes      int64    `toml:"max_extern_bytes" yaml:"max_extern_bytes" validate:"gtefield=MaxInbandBytes"`
	MaxImageDimension   int      `toml:"max_image_dimension" yaml:"max_image_dimension" validate:"gt=0"`
	SupportedImageTypes []string `toml:"supported_image_types" yaml:"supported_image_types" validate:"min=1,dive,required"`
	// MaxReadBytes bounds files read from disk before classification.
	MaxReadBytes int64 `toml:"max_read_bytes" yaml:"max_read_bytes" validate:"gtefield=MaxExternBytes"`
}

type TypingConfig struct {
	MinIntervalMs int `toml:"min_interval_ms" yaml:"min_interval_ms" validate:"gt=0"`
}

type SessionConfig struct {
	URL            string `toml:"url" yaml:"url" validate:"required,url"`
	APIKey         string `toml:"api_key" yaml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds" yaml:"timeout_seconds" validate:"gte=0"`
}

type UploadConfig struct {
	// BaseURL is the HTTP root of the server. Empty disables out-of-band
	// uploads.
	BaseURL            string `toml:"base_url" yaml:"base_url" validate:"omitempty,url"`
	TimeoutSeconds     int    `toml:"timeout_seconds" yaml:"timeout_seconds" validate:"gte=0"`
	ProgressIntervalMs int    `toml:"progress_interval_ms" yaml:"progress_interval_ms" validate:"gte=0"`
	// SpoolDir stores attachments locally when BaseURL is empty.
	SpoolDir string `toml:"spool_dir" yaml:"spool_dir"`
}

// Profile returns the size profile described by the limits section.
func (c LimitsConfig) Profile() media.SizeProfile {
	types := make([]string, len(c.SupportedImageTypes))
	for i, t := range c.SupportedImageTypes {
		types[i] = media.NormalizeMime(t)
	}
	return media.SizeProfile{
		MaxInbandBytes:      c.MaxInbandBytes,
		MaxExternBytes:      c.MaxExternBytes,
		MaxImageDimension:   c.MaxImageDimension,
		SupportedImageTypes: types,
	}
}

func (c TypingConfig) Interval() time.Duration {
	return time.Duration(c.MinIntervalMs) * time.Millisecond
}

func (c SessionConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultSessionTimeout
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c UploadConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultUploadTimeout
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c UploadConfig) ProgressInterval() time.Duration {
	if c.ProgressIntervalMs <= 0 {
		return DefaultProgressInterval
	}
	return time.Duration(c.ProgressIntervalMs) * time.Millisecond
}

// Default returns the built-in configuration.
func Default() Config {
	profile := media.DefaultSizeProfile()
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Limits: LimitsConfig{
			MaxInbandBytes:      profile.MaxInbandBytes,
			MaxExternBytes:      profile.MaxExternBytes,
			MaxImageDimension:   profile.MaxImageDimension,
			SupportedImageTypes: profile.SupportedImageTypes,
			MaxReadBytes:        DefaultMaxAttachmentBytes,
		},
		Typing: TypingConfig{
			MinIntervalMs: DefaultTypingIntervalMs,
		},
		Session: SessionConfig{
			URL:            DefaultSessionURL,
			TimeoutSeconds: int(DefaultSessionTimeout / time.Second),
		},
		Upload: UploadConfig{
			TimeoutSeconds:     int(DefaultUploadTimeout / time.Second),
			ProgressIntervalMs: int(DefaultProgressInterval / time.Millisecond),
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return cfg, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and reports every violation at once.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}
