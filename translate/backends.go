package translate

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Passthrough is the backend used when no translation service is set up.
// It reports every pair unsupported so captions show the original text.
type Passthrough struct{}

func (Passthrough) Name() string { return "none" }

func (Passthrough) Status(context.Context, string, string) (Availability, error) {
	return Unsupported, nil
}

func (Passthrough) NewSession(string, string) Session { return passthroughSession{} }

type passthroughSession struct{}

func (passthroughSession) Prepare(context.Context) error { return nil }

func (passthroughSession) Translate(_ context.Context, text string) (string, error) {
	return "", ErrUnavailable
}

type Config struct {
	Backend     string
	DeepLKey    string
	DeepLURL    string
	LibreURL    string
	LibreAPIKey string
}

// New picks a backend by name, or by what is configured when name is empty.
func New(cfg Config) (Backend, error) {
	switch cfg.Backend {
	case "deepl":
		if cfg.DeepLKey == "" {
			return nil, errors.New("deepl: DEEPL_API_KEY not set")
		}
		return NewDeepL(cfg.DeepLKey, cfg.DeepLURL), nil
	case "libretranslate":
		if cfg.LibreURL == "" {
			return nil, errors.New("libretranslate: server URL not set")
		}
		return NewLibre(cfg.LibreURL, cfg.LibreAPIKey), nil
	case "none":
		return Passthrough{}, nil
	case "":
	default:
		return nil, fmt.Errorf("unknown translation backend %q", cfg.Backend)
	}

	switch {
	case cfg.DeepLKey != "":
		return NewDeepL(cfg.DeepLKey, cfg.DeepLURL), nil
	case cfg.LibreURL != "":
		return NewLibre(cfg.LibreURL, cfg.LibreAPIKey), nil
	}
	return Passthrough{}, nil
}

// Fake is an in-memory backend for tests. Translations come from Dict, or
// are the text wrapped in brackets when Dict has no entry.
type Fake struct {
	Dict        map[string]string
	Unsupported map[[2]string]bool
	PrepareErr  error
	Err         error

	mu       sync.Mutex
	sessions int
	prepares int
	calls    []string
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Status(_ context.Context, source, target string) (Availability, error) {
	if f.Unsupported[[2]string{source, target}] {
		return Unsupported, nil
	}
	return Installed, nil
}

func (f *Fake) NewSession(source, target string) Session {
	f.mu.Lock()
	f.sessions++
	f.mu.Unlock()
	return &fakeSession{f: f, target: target}
}

// Counts reports sessions created, Prepare calls and Translate calls.
func (f *Fake) Counts() (sessions, prepares, calls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions, f.prepares, len(f.calls)
}

func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeSession struct {
	f      *Fake
	target string
}

func (s *fakeSession) Prepare(ctx context.Context) error {
	s.f.mu.Lock()
	s.f.prepares++
	s.f.mu.Unlock()
	if s.f.PrepareErr != nil {
		return s.f.PrepareErr
	}
	return ctx.Err()
}

func (s *fakeSession) Translate(ctx context.Context, text string) (string, error) {
	s.f.mu.Lock()
	s.f.calls = append(s.f.calls, text)
	s.f.mu.Unlock()
	if s.f.Err != nil {
		return "", s.f.Err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if out, ok := s.f.Dict[text]; ok {
		return out, nil
	}
	return "[" + s.target + "] " + text, nil
}
