package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func mapLookup(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoaderDefaults(t *testing.T) {
	cfg, path, err := Loader{Lookup: mapLookup(nil)}.Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if path != "" {
		t.Errorf("path = %q", path)
	}
	assertEqual(t, DefaultSourceLanguage, cfg.SourceLanguage, "source language")
	assertEqual(t, DefaultTargetLanguage, cfg.TargetLanguage, "target language")
	assertEqual(t, DefaultLogLevel, cfg.LogLevel, "log level")
	if cfg.Overlay.X != DefaultOverlayX || cfg.Overlay.Y != DefaultOverlayY {
		t.Errorf("overlay = %+v", cfg.Overlay)
	}
}

func TestLoaderFileAndEnv(t *testing.T) {
	file := `
provider: groq
groq_api_key: gsk_file
source_language: ja
target_language: en
translation:
  backend: libretranslate
  libretranslate_url: http://localhost:5000
overlay:
  x: 0.25
  y: 0.9
  draggable: true
`
	env := map[string]string{
		"SUBTITLE_CONFIG":      "/etc/subtitle.yaml",
		"GROQ_API_KEY":         " gsk_env ",
		"SUBTITLE_TARGET_LANG": "ko",
		"SUBTITLE_HTTP_ADDR":   "127.0.0.1:7755",
		"SUBTITLE_OVERLAY_Y":   "0.5",
	}
	loader := Loader{
		Lookup: mapLookup(env),
		ReadFile: func(p string) ([]byte, error) {
			if p != "/etc/subtitle.yaml" {
				t.Errorf("read %q", p)
			}
			return []byte(file), nil
		},
	}
	cfg, path, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	assertEqual(t, "/etc/subtitle.yaml", path, "path")
	assertEqual(t, "groq", cfg.Provider, "provider")
	assertEqual(t, "gsk_env", cfg.GroqKey, "groq key")
	assertEqual(t, "ja", cfg.SourceLanguage, "source language")
	assertEqual(t, "ko", cfg.TargetLanguage, "target language")
	assertEqual(t, "libretranslate", cfg.Translation.Backend, "backend")
	assertEqual(t, "http://localhost:5000", cfg.Translation.LibreURL, "libre url")
	assertEqual(t, "127.0.0.1:7755", cfg.HTTPAddr, "http addr")
	if cfg.Overlay.X != 0.25 || cfg.Overlay.Y != 0.5 || !cfg.Overlay.Draggable {
		t.Errorf("overlay = %+v", cfg.Overlay)
	}
}

func TestLoaderRejectsInvalid(t *testing.T) {
	for _, tt := range []struct {
		name string
		env  map[string]string
		want string
	}{
		{"language", map[string]string{"SUBTITLE_SOURCE_LANG": "tlh"}, "SourceLanguage"},
		{"provider", map[string]string{"SUBTITLE_PROVIDER": "whisper"}, "Provider"},
		{"backend", map[string]string{"SUBTITLE_TRANSLATOR": "babelfish"}, "Backend"},
		{"overlay range", map[string]string{"SUBTITLE_OVERLAY_X": "1.5"}, "Overlay.X"},
		{"overlay parse", map[string]string{"SUBTITLE_OVERLAY_X": "left"}, "SUBTITLE_OVERLAY_X"},
		{"log level", map[string]string{"SUBTITLE_LOG_LEVEL": "loud"}, "LogLevel"},
		{"libre url", map[string]string{"LIBRETRANSLATE_URL": "not a url"}, "LibreURL"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Loader{Lookup: mapLookup(tt.env)}.Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %s", err, tt.want)
			}
		})
	}
}

func TestLoaderMissingFile(t *testing.T) {
	_, _, err := Loader{Lookup: mapLookup(map[string]string{
		"SUBTITLE_CONFIG": filepath.Join(t.TempDir(), "missing.yaml"),
	})}.Load()
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subtitle.yaml")
	cfg := Default()
	cfg.Overlay = Overlay{X: 0.3, Y: 0.7, Draggable: true}
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v", info.Mode().Perm())
	}

	got, _, err := Loader{Lookup: mapLookup(map[string]string{"SUBTITLE_CONFIG": path})}.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.Overlay != cfg.Overlay {
		t.Errorf("overlay = %+v, want %+v", got.Overlay, cfg.Overlay)
	}
}

func assertEqual(t *testing.T, want, got, label string) {
	t.Helper()
	if want != got {
		t.Fatalf("unexpected %s: want %q, got %q", label, want, got)
	}
}
