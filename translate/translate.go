// Package translate coordinates caption translation against a pluggable
// backend. Callers never see an error: any failure yields the input text.
package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"subtitle/log"
)

type Availability int

const (
	AvailabilityUnknown Availability = iota
	Installed
	Supported
	Unsupported
)

func (a Availability) String() string {
	switch a {
	case Installed:
		return "installed"
	case Supported:
		return "supported"
	case Unsupported:
		return "unsupported"
	}
	return "unknown"
}

// ErrUnavailable marks a pair or service the backend cannot translate.
var ErrUnavailable = errors.New("translation unavailable")

type Backend interface {
	Name() string
	Status(ctx context.Context, source, target string) (Availability, error)
	NewSession(source, target string) Session
}

// Session translates one language pair.
type Session interface {
	// Prepare readies the session (credentials, connections, models).
	Prepare(ctx context.Context) error
	Translate(ctx context.Context, text string) (string, error)
}

type Coordinator struct {
	backend Backend
	timeout time.Duration

	mu          sync.Mutex
	gen         uint64
	source      string
	target      string
	session     Session
	unsupported bool

	lazyMu sync.Mutex
}

type Option func(*Coordinator)

// WithTimeout bounds every Translate call, including lazy preparation.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

func NewCoordinator(b Backend, opts ...Option) *Coordinator {
	c := &Coordinator{backend: b, timeout: 5 * time.Second}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Coordinator) Backend() string { return c.backend.Name() }

func (c *Coordinator) Pair() (source, target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source, c.target
}

// Configure switches to a new pair. The previous session is dropped at
// once; the new one is prepared in the background and the returned channel
// is closed when that finishes.
func (c *Coordinator) Configure(ctx context.Context, source, target string) <-chan struct{} {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.source, c.target = source, target
	c.session = nil
	c.unsupported = false
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.prepare(ctx, gen, source, target)
	}()
	return done
}

func (c *Coordinator) prepare(ctx context.Context, gen uint64, source, target string) {
	status, err := c.backend.Status(ctx, source, target)
	if err != nil {
		log.Warnf("translation status %s>%s: %v", source, target, err)
	}
	if status == Unsupported {
		log.Warnf("translation pair unsupported: %s>%s (%s)", source, target, c.backend.Name())
		c.mu.Lock()
		if c.gen == gen {
			c.unsupported = true
		}
		c.mu.Unlock()
		return
	}

	c.lazyMu.Lock()
	defer c.lazyMu.Unlock()
	c.mu.Lock()
	stale := c.gen != gen || c.session != nil
	c.mu.Unlock()
	if stale {
		return
	}

	s := c.backend.NewSession(source, target)
	if err := s.Prepare(ctx); err != nil {
		log.Warnf("translation prepare %s>%s: %v", source, target, err)
		return
	}
	c.mu.Lock()
	if c.gen == gen {
		c.session = s
	}
	c.mu.Unlock()
}

// Translate returns text in the target language, "" for blank input, or
// text itself when translation is not possible.
func (c *Coordinator) Translate(ctx context.Context, text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.mu.Lock()
	unsupported := c.unsupported
	source, target := c.source, c.target
	c.mu.Unlock()
	if unsupported {
		return text
	}

	start := time.Now()
	out, err := c.translate(ctx, trimmed)
	log.TranslationMetrics(c.backend.Name(), source, target, len(trimmed), time.Since(start), err == nil)
	if err != nil {
		log.Warnf("translate: %v", err)
		return text
	}
	return out
}

func (c *Coordinator) translate(ctx context.Context, text string) (string, error) {
	s, err := c.current(ctx)
	if err != nil {
		return "", err
	}
	return s.Translate(ctx, text)
}

// current returns the ready session, creating one when none is ready. Only
// one caller prepares at a time so a pair never gets two sessions.
func (c *Coordinator) current(ctx context.Context) (Session, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s != nil {
		return s, nil
	}

	c.lazyMu.Lock()
	defer c.lazyMu.Unlock()

	c.mu.Lock()
	s, gen, source, target := c.session, c.gen, c.source, c.target
	c.mu.Unlock()
	if s != nil {
		return s, nil
	}

	s = c.backend.NewSession(source, target)
	if err := s.Prepare(ctx); err != nil {
		return nil, fmt.Errorf("prepare %s>%s: %w", source, target, err)
	}
	c.mu.Lock()
	if c.gen == gen && c.session == nil {
		c.session = s
	}
	c.mu.Unlock()
	return s, nil
}
