package transcriber

import (
	"context"
	"errors"
	"sync"
	"time"

	"subtitle/audio"
	"subtitle/encoder"
	"subtitle/log"
	"subtitle/vad"
)

type windowConfig struct {
	PollEvery       time.Duration // interim re-transcription period
	EndSilence      time.Duration // trailing silence that closes an utterance
	MaxUtterance    time.Duration
	PreRoll         time.Duration // audio kept before voice is confirmed
	MinNewAudio     time.Duration // skip polls with less fresh audio than this
	MaxFailures     int           // consecutive request failures before giving up
	RequestDeadline time.Duration
}

func defaultWindowConfig() windowConfig {
	return windowConfig{
		PollEvery:       1500 * time.Millisecond,
		EndSilence:      800 * time.Millisecond,
		MaxUtterance:    30 * time.Second,
		PreRoll:         300 * time.Millisecond,
		MinNewAudio:     500 * time.Millisecond,
		MaxFailures:     3,
		RequestDeadline: 15 * time.Second,
	}
}

// segmentFunc transcribes one FLAC window. Word times are relative to the
// start of the window.
type segmentFunc func(ctx context.Context, flac []byte) ([]Word, error)

// windowSession turns a batch API into a live recognizer. A single worker
// owns the utterance buffer, so requests and results stay in order.
type windowSession struct {
	provider   string
	sep        string
	cfg        windowConfig
	transcribe segmentFunc
	vad        *vad.Processor

	ctx    context.Context
	cancel context.CancelFunc

	frames  chan audio.Frame
	results chan Result
	errs    chan error

	mu         sync.Mutex
	shut       bool
	dropped    int
	endOnce    sync.Once
	cancelOnce sync.Once

	// worker-owned
	buf      []byte
	bufStart time.Duration
	sentLen  int
	failures int
	requests int
	utters   int
}

func newWindowSession(ctx context.Context, provider, sep string, cfg windowConfig, fn segmentFunc) (*windowSession, error) {
	v, err := vad.New()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	ws := &windowSession{
		provider:   provider,
		sep:        sep,
		cfg:        cfg,
		transcribe: fn,
		vad:        v,
		ctx:        ctx,
		cancel:     cancel,
		frames:     make(chan audio.Frame, 512),
		results:    make(chan Result, 32),
		errs:       make(chan error, 4),
	}
	go ws.run()
	return ws, nil
}

func (w *windowSession) Results() <-chan Result { return w.results }

func (w *windowSession) Errors() <-chan error { return w.errs }

func (w *windowSession) Feed(f audio.Frame) {
	if len(f.PCM) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.shut {
		return
	}
	select {
	case w.frames <- f:
	default:
		w.dropped++
	}
}

func (w *windowSession) EndAudio() {
	w.endOnce.Do(func() {
		w.mu.Lock()
		if !w.shut {
			w.shut = true
			close(w.frames)
		}
		w.mu.Unlock()
	})
}

func (w *windowSession) Cancel() {
	w.cancelOnce.Do(func() {
		w.mu.Lock()
		if !w.shut {
			w.shut = true
			close(w.frames)
		}
		w.mu.Unlock()
		w.cancel()
	})
}

func (w *windowSession) run() {
	defer w.finish()
	ticker := time.NewTicker(w.cfg.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case f, ok := <-w.frames:
			if !ok {
				if w.vad.VoiceDetected() {
					w.flush(true)
				}
				return
			}
			if !w.push(f) {
				return
			}
		case <-ticker.C:
			if !w.vad.VoiceDetected() {
				continue
			}
			fresh := encoder.Duration((len(w.buf) - w.sentLen) / encoder.BytesPerFrame)
			if fresh < w.cfg.MinNewAudio {
				continue
			}
			if !w.flush(false) {
				return
			}
		}
	}
}

// push adds a frame to the window and closes the utterance on endpoint.
func (w *windowSession) push(f audio.Frame) bool {
	if len(w.buf) == 0 {
		w.bufStart = f.Timestamp
	}
	w.buf = append(w.buf, f.PCM...)
	w.vad.Process(f.PCM)

	if !w.vad.VoiceDetected() {
		keep := int(w.cfg.PreRoll.Seconds()*encoder.SampleRate) * encoder.BytesPerFrame
		if excess := len(w.buf) - keep; excess > 0 {
			excess -= excess % encoder.BytesPerFrame
			w.buf = w.buf[excess:]
			w.bufStart += encoder.Duration(excess / encoder.BytesPerFrame)
		}
		return true
	}

	length := encoder.Duration(len(w.buf) / encoder.BytesPerFrame)
	if w.vad.TrailingSilence() >= w.cfg.EndSilence || length >= w.cfg.MaxUtterance {
		return w.flush(true)
	}
	return true
}

// flush transcribes the current window. A final flush resets the window
// whatever the outcome, so one failed request loses one utterance.
func (w *windowSession) flush(final bool) bool {
	ok := w.request(final)
	if final {
		w.buf, w.sentLen = nil, 0
		w.vad.Reset()
		w.utters++
	}
	return ok
}

func (w *windowSession) request(final bool) bool {
	flac, err := encoder.EncodeFLAC(w.buf)
	if err != nil {
		return w.fail(err)
	}
	w.sentLen = len(w.buf)
	w.requests++

	ctx, cancel := context.WithTimeout(w.ctx, w.cfg.RequestDeadline)
	words, err := w.transcribe(ctx, flac)
	cancel()
	if err != nil {
		if w.ctx.Err() != nil {
			return false
		}
		return w.fail(err)
	}
	w.failures = 0

	offset := w.bufStart.Seconds()
	for i := range words {
		words[i].Start += offset
		words[i].End += offset
	}
	r := NewResult(words, w.sep, final)
	if r.Transcript == "" && !final {
		return true
	}
	select {
	case w.results <- r:
	case <-w.ctx.Done():
		return false
	}
	return true
}

func (w *windowSession) fail(err error) bool {
	w.failures++
	fatal := errors.Is(err, ErrUnauthorized) || w.failures >= w.cfg.MaxFailures
	select {
	case w.errs <- &Error{Err: err, Fatal: fatal}:
	default:
	}
	return !fatal
}

func (w *windowSession) finish() {
	w.cancel()
	w.mu.Lock()
	dropped := w.dropped
	w.mu.Unlock()
	log.StreamMetrics(log.StreamMetricsData{
		Provider:   w.provider,
		SentChunks: w.requests,
		Dropped:    dropped,
		Utterances: w.utters,
	})
	close(w.results)
	close(w.errs)
}
