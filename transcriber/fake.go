package transcriber

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"subtitle/audio"
	"subtitle/locale"
)

// Step is one scripted recognizer event. Either Text (a hypothesis) or Err
// is set. Words, when empty, are derived from Text with WordDur spacing.
type Step struct {
	Delay   time.Duration
	Text    string
	Words   []Word
	Final   bool
	Err     string
	Fatal   bool
	Start   float64
	WordDur float64
}

// Result builds the scripted hypothesis.
func (s Step) Result(sep string) Result {
	words := s.Words
	if len(words) == 0 {
		dur := s.WordDur
		if dur <= 0 {
			dur = 0.3
		}
		at := s.Start
		var tokens []string
		if sep == "" {
			tokens = []string{s.Text}
		} else {
			tokens = strings.Fields(s.Text)
		}
		for _, tok := range tokens {
			words = append(words, Word{Text: tok, Start: at, End: at + dur})
			at += dur
		}
	}
	return NewResult(words, sep, s.Final)
}

type scriptLine struct {
	DelayMs int     `json:"delay_ms"`
	Text    string  `json:"text"`
	Final   bool    `json:"final"`
	Error   string  `json:"error"`
	Fatal   bool    `json:"fatal"`
	Start   float64 `json:"start"`
	WordDur float64 `json:"word_dur"`
	Words   []struct {
		Text  string  `json:"text"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
}

// ParseScript reads one JSON step per line. Blank lines and lines starting
// with # are skipped.
func ParseScript(r io.Reader) ([]Step, error) {
	var steps []Step
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var sl scriptLine
		if err := json.Unmarshal([]byte(line), &sl); err != nil {
			return nil, fmt.Errorf("script line %d: %w", n, err)
		}
		st := Step{
			Delay:   time.Duration(sl.DelayMs) * time.Millisecond,
			Text:    sl.Text,
			Final:   sl.Final,
			Err:     sl.Error,
			Fatal:   sl.Fatal,
			Start:   sl.Start,
			WordDur: sl.WordDur,
		}
		for _, w := range sl.Words {
			st.Words = append(st.Words, Word{Text: w.Text, Start: w.Start, End: w.End})
		}
		steps = append(steps, st)
	}
	return steps, sc.Err()
}

type Fake struct {
	baseTranscriber
	steps   []Step
	authErr error

	mu       sync.Mutex
	sessions []*FakeSession
}

func NewFake(steps []Step, authErr error) *Fake {
	return &Fake{steps: steps, authErr: authErr}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Authorize(ctx context.Context) error {
	if f.authErr != nil {
		return f.authErr
	}
	return ctx.Err()
}

func (f *Fake) NewSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	if cfg.Language == "" {
		cfg.Language = f.lang
	}
	s := newFakeSession(ctx, f.steps, locale.WordSeparator(cfg.Language))
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}

// Sessions returns every session created so far, oldest first.
func (f *Fake) Sessions() []*FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeSession(nil), f.sessions...)
}

// FakeSession plays its script once, then waits for EndAudio or Cancel.
type FakeSession struct {
	ctx     context.Context
	cancel  context.CancelFunc
	results chan Result
	errs    chan error
	ended   chan struct{}
	done    chan struct{}

	fed     atomic.Int64
	endOnce sync.Once

	mu    sync.Mutex
	calls []string
}

func newFakeSession(ctx context.Context, steps []Step, sep string) *FakeSession {
	ctx, cancel := context.WithCancel(ctx)
	s := &FakeSession{
		ctx:     ctx,
		cancel:  cancel,
		results: make(chan Result, len(steps)+1),
		errs:    make(chan error, len(steps)+1),
		ended:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.play(steps, sep)
	return s
}

func (s *FakeSession) play(steps []Step, sep string) {
	defer close(s.done)
	defer close(s.errs)
	defer close(s.results)

	for _, st := range steps {
		if st.Delay > 0 {
			select {
			case <-time.After(st.Delay):
			case <-s.ctx.Done():
				return
			}
		}
		if st.Err != "" {
			s.errs <- &Error{Err: errors.New(st.Err), Fatal: st.Fatal}
			if st.Fatal {
				return
			}
			continue
		}
		select {
		case s.results <- st.Result(sep):
		case <-s.ctx.Done():
			return
		}
	}

	select {
	case <-s.ended:
	case <-s.ctx.Done():
	}
}

func (s *FakeSession) Feed(f audio.Frame) { s.fed.Add(int64(len(f.PCM))) }

func (s *FakeSession) EndAudio() {
	s.record("end")
	s.endOnce.Do(func() { close(s.ended) })
}

func (s *FakeSession) Cancel() {
	s.record("cancel")
	s.cancel()
}

func (s *FakeSession) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

// Calls lists the EndAudio ("end") and Cancel ("cancel") calls in order.
func (s *FakeSession) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *FakeSession) Results() <-chan Result { return s.results }

func (s *FakeSession) Errors() <-chan error { return s.errs }

// FedBytes is the amount of PCM received through Feed.
func (s *FakeSession) FedBytes() int64 { return s.fed.Load() }

// Done is closed once the session has stopped producing output.
func (s *FakeSession) Done() <-chan struct{} { return s.done }
