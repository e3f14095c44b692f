// Package config loads runtime settings from an optional YAML file and the
// environment. Command-line flags are applied on top by main.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"subtitle/locale"
)

const (
	DefaultSourceLanguage = "en"
	DefaultTargetLanguage = "zh-Hans"
	DefaultLogLevel       = "info"
	DefaultOverlayX       = 0.5
	DefaultOverlayY       = 0.12
)

type Config struct {
	Provider string `yaml:"provider" validate:"omitempty,oneof=deepgram groq"`
	Model    string `yaml:"model"`

	DeepgramKey string `yaml:"deepgram_api_key"`
	GroqKey     string `yaml:"groq_api_key"`

	SourceLanguage string `yaml:"source_language" validate:"required,language"`
	TargetLanguage string `yaml:"target_language" validate:"required,language"`

	Translation Translation `yaml:"translation"`

	LogLevel string `yaml:"log_level" validate:"oneof=trace debug info warn error"`
	LogPath  string `yaml:"log_path"`

	// HTTPAddr serves the caption feed when set, e.g. "127.0.0.1:7755".
	HTTPAddr string `yaml:"http_addr" validate:"omitempty,hostname_port"`

	Overlay Overlay `yaml:"overlay"`
}

type Translation struct {
	Backend     string `yaml:"backend" validate:"omitempty,oneof=deepl libretranslate none"`
	DeepLKey    string `yaml:"deepl_api_key"`
	DeepLURL    string `yaml:"deepl_url" validate:"omitempty,url"`
	LibreURL    string `yaml:"libretranslate_url" validate:"omitempty,url"`
	LibreAPIKey string `yaml:"libretranslate_api_key"`
}

// Overlay holds the caption window position as fractions of the screen.
type Overlay struct {
	X         float64 `yaml:"x" validate:"gte=0,lte=1"`
	Y         float64 `yaml:"y" validate:"gte=0,lte=1"`
	Draggable bool    `yaml:"draggable"`
}

func Default() Config {
	return Config{
		SourceLanguage: DefaultSourceLanguage,
		TargetLanguage: DefaultTargetLanguage,
		LogLevel:       DefaultLogLevel,
		Overlay:        Overlay{X: DefaultOverlayX, Y: DefaultOverlayY},
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("language", func(fl validator.FieldLevel) bool {
		return locale.IsSupported(fl.Field().String())
	})
	return v
}

// Validate checks field constraints and returns one error listing every
// failing field.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg += fmt.Sprintf(" (%s)", fe.Param())
		}
		msgs = append(msgs, fmt.Sprintf("%s, got %q", msg, fmt.Sprint(fe.Value())))
	}
	return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
}

// Save writes the config as YAML, used to persist the overlay position.
func (c Config) Save(path string) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0600)
}

// Loader reads configuration from SUBTITLE_CONFIG (a YAML file path) and
// environment variables. Tests can override Lookup and ReadFile.
type Loader struct {
	Lookup   func(string) (string, bool)
	ReadFile func(string) ([]byte, error)
}

// Load returns the merged, validated config and the file it came from, if
// any.
func (l Loader) Load() (Config, string, error) {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}
	if l.ReadFile == nil {
		l.ReadFile = os.ReadFile
	}

	cfg := Default()
	path, _ := l.Lookup("SUBTITLE_CONFIG")
	path = strings.TrimSpace(path)
	if path != "" {
		raw, err := l.ReadFile(path)
		if err != nil {
			return Config{}, path, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, path, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	overrideString(l.Lookup, "SUBTITLE_PROVIDER", &cfg.Provider)
	overrideString(l.Lookup, "SUBTITLE_MODEL", &cfg.Model)
	overrideString(l.Lookup, "DEEPGRAM_API_KEY", &cfg.DeepgramKey)
	overrideString(l.Lookup, "GROQ_API_KEY", &cfg.GroqKey)
	overrideString(l.Lookup, "SUBTITLE_SOURCE_LANG", &cfg.SourceLanguage)
	overrideString(l.Lookup, "SUBTITLE_TARGET_LANG", &cfg.TargetLanguage)
	overrideString(l.Lookup, "SUBTITLE_TRANSLATOR", &cfg.Translation.Backend)
	overrideString(l.Lookup, "DEEPL_API_KEY", &cfg.Translation.DeepLKey)
	overrideString(l.Lookup, "DEEPL_API_URL", &cfg.Translation.DeepLURL)
	overrideString(l.Lookup, "LIBRETRANSLATE_URL", &cfg.Translation.LibreURL)
	overrideString(l.Lookup, "LIBRETRANSLATE_API_KEY", &cfg.Translation.LibreAPIKey)
	overrideString(l.Lookup, "SUBTITLE_LOG_LEVEL", &cfg.LogLevel)
	overrideString(l.Lookup, "SUBTITLE_LOG_PATH", &cfg.LogPath)
	overrideString(l.Lookup, "SUBTITLE_HTTP_ADDR", &cfg.HTTPAddr)
	if err := overrideFloat(l.Lookup, "SUBTITLE_OVERLAY_X", &cfg.Overlay.X); err != nil {
		return Config{}, path, err
	}
	if err := overrideFloat(l.Lookup, "SUBTITLE_OVERLAY_Y", &cfg.Overlay.Y); err != nil {
		return Config{}, path, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, path, err
	}
	return cfg, path, nil
}

func overrideString(lookup func(string) (string, bool), key string, target *string) {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideFloat(lookup func(string) (string, bool), key string, target *float64) error {
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*target = f
	return nil
}
