package transcriber

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"subtitle/audio"
)

// Segment is one word or token of a hypothesis. Offset and Length locate
// Text inside the owning Result's Transcript (in bytes). A segment with
// Text but zero Length carries no range; it is found by searching the
// transcript after the previous segment.
type Segment struct {
	Text     string
	Start    float64 // seconds since stream start
	Duration float64
	Offset   int
	Length   int
}

func (s Segment) End() float64 { return s.Start + s.Duration }

// Result is the recognizer's current best hypothesis for the current
// utterance. A later Result for the same utterance replaces it entirely;
// IsFinal closes the utterance.
type Result struct {
	Transcript string
	Segments   []Segment
	IsFinal    bool
}

// Word is the input form used to assemble a Result.
type Word struct {
	Text  string
	Start float64
	End   float64
}

// NewResult joins words with sep and records each word's range in the
// joined transcript.
func NewResult(words []Word, sep string, final bool) Result {
	var b strings.Builder
	segs := make([]Segment, 0, len(words))
	for _, w := range words {
		text := strings.TrimSpace(w.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(sep)
		}
		segs = append(segs, Segment{
			Text:     text,
			Start:    w.Start,
			Duration: max(w.End-w.Start, 0),
			Offset:   b.Len(),
			Length:   len(text),
		})
		b.WriteString(text)
	}
	return Result{Transcript: b.String(), Segments: segs, IsFinal: final}
}

type SessionConfig struct {
	Language   string // recognizer locale, e.g. "en-US"
	SampleRate int
	Channels   int
}

// Session is one live recognition task. Feed never blocks the capture
// path; EndAudio asks the recognizer to flush and finish; Cancel tears the
// task down immediately. Results and Errors are closed when the task ends.
type Session interface {
	Feed(f audio.Frame)
	EndAudio()
	Cancel()
	Results() <-chan Result
	Errors() <-chan error
}

type Transcriber interface {
	Name() string
	SetLanguage(lang string)
	GetLanguage() string
	// Authorize verifies credentials before any audio is captured.
	Authorize(ctx context.Context) error
	NewSession(ctx context.Context, cfg SessionConfig) (Session, error)
}

type baseTranscriber struct {
	lang string
}

func (b *baseTranscriber) SetLanguage(lang string) { b.lang = lang }

func (b *baseTranscriber) GetLanguage() string { return b.lang }

var ErrUnauthorized = errors.New("recognizer rejected credentials")

// Error is a failure reported on a session's error channel. Fatal errors
// end the task; others are informational.
type Error struct {
	Err   error
	Fatal bool
}

func (e *Error) Error() string {
	if e.Fatal {
		return fmt.Sprintf("recognition failed: %v", e.Err)
	}
	return fmt.Sprintf("recognition: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Credentials struct {
	DeepgramKey string
	GroqKey     string
	Model       string
}

// New picks a provider by name, or by available credentials when name is
// empty.
func New(name string, creds Credentials) (Transcriber, error) {
	switch name {
	case "deepgram":
		if creds.DeepgramKey == "" {
			return nil, fmt.Errorf("deepgram: %w: DEEPGRAM_API_KEY not set", ErrUnauthorized)
		}
		return NewDeepgram(creds.DeepgramKey, creds.Model), nil
	case "groq":
		if creds.GroqKey == "" {
			return nil, fmt.Errorf("groq: %w: GROQ_API_KEY not set", ErrUnauthorized)
		}
		return NewGroq(creds.GroqKey, creds.Model), nil
	case "":
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}

	if creds.DeepgramKey != "" {
		return NewDeepgram(creds.DeepgramKey, creds.Model), nil
	}
	if creds.GroqKey != "" {
		return NewGroq(creds.GroqKey, creds.Model), nil
	}
	return nil, fmt.Errorf("%w: set DEEPGRAM_API_KEY or GROQ_API_KEY", ErrUnauthorized)
}
