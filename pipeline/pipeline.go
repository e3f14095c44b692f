// Package pipeline runs one capture → recognition → caption session at a
// time and owns its start and teardown order.
package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"subtitle/audio"
	"subtitle/caption"
	"subtitle/encoder"
	"subtitle/locale"
	"subtitle/log"
	"subtitle/transcriber"
	"subtitle/translate"
	"subtitle/vad"
)

var (
	ErrAuthorizationDenied      = errors.New("recognizer authorization denied")
	ErrCaptureSourceUnavailable = errors.New("system audio source unavailable")
	ErrStreamInterrupted        = errors.New("audio stream interrupted")
)

// RecognitionError is the stop reason when the recognizer fails for good.
// It matches ErrStreamInterrupted as well as the underlying error.
type RecognitionError struct {
	Err error
}

func (e *RecognitionError) Error() string {
	var te *transcriber.Error
	if errors.As(e.Err, &te) {
		return "recognition failed: " + te.Err.Error()
	}
	return "recognition failed: " + e.Err.Error()
}

func (e *RecognitionError) Unwrap() []error { return []error{ErrStreamInterrupted, e.Err} }

const defaultDrain = 2 * time.Second

type Option func(*Pipeline)

// WithDevice captures from a specific device instead of the default
// output monitor.
func WithDevice(d *audio.DeviceInfo) Option {
	return func(p *Pipeline) { p.device = d }
}

// WithLevel receives the RMS level of every captured frame.
func WithLevel(fn func(rms float64)) Option {
	return func(p *Pipeline) { p.level = fn }
}

// WithDrain bounds how long Stop waits for the recognizer to flush after
// end of audio before cancelling it.
func WithDrain(d time.Duration) Option {
	return func(p *Pipeline) { p.drain = d }
}

type Pipeline struct {
	ac     audio.Context
	rec    transcriber.Transcriber
	coord  *translate.Coordinator
	engine *caption.Engine
	device *audio.DeviceInfo
	level  func(float64)
	drain  time.Duration

	mu       sync.Mutex
	cur      *run
	starting bool
	source   string
	target  string
	lastErr error
}

type run struct {
	id      string
	started time.Time
	cancel  context.CancelFunc
	capture audio.CaptureDevice
	sess    transcriber.Session

	lines     atomic.Int64
	stopping  chan struct{}
	forwarded chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
}

func New(ac audio.Context, rec transcriber.Transcriber, coord *translate.Coordinator, engine *caption.Engine, opts ...Option) *Pipeline {
	p := &Pipeline{ac: ac, rec: rec, coord: coord, engine: engine, drain: defaultDrain}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur != nil
}

func (p *Pipeline) Languages() (source, target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.source, p.target
}

// SessionID is the id of the running session, or "".
func (p *Pipeline) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur == nil {
		return ""
	}
	return p.cur.id
}

// Err returns why the last session stopped; nil after a requested stop.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Done is closed when the running session ends. With nothing running the
// channel is already closed.
func (p *Pipeline) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.cur.done
}

// Start authorizes the recognizer, opens a recognition session and starts
// capture. It is a no-op while a session is running or starting. On failure
// nothing is left running and the reason is also written to the caption log.
// The lock is not held while the recognizer authorizes.
func (p *Pipeline) Start(ctx context.Context, source, target string) error {
	p.mu.Lock()
	if p.cur != nil || p.starting {
		p.mu.Unlock()
		return nil
	}
	p.starting = true
	p.source, p.target = source, target
	p.lastErr = nil
	p.mu.Unlock()

	if p.coord != nil {
		p.coord.Configure(ctx, source, target)
	}

	err := p.start(ctx, source, target)
	if err != nil {
		log.Errorf("start failed: %v", err)
		p.engine.Error("start failed: %v", err)
		p.mu.Lock()
		p.starting = false
		p.lastErr = err
		p.mu.Unlock()
	}
	return err
}

func (p *Pipeline) start(ctx context.Context, source, target string) error {
	if err := p.rec.Authorize(ctx); err != nil {
		if errors.Is(err, transcriber.ErrUnauthorized) {
			return fmt.Errorf("%w: %v", ErrAuthorizationDenied, err)
		}
		return fmt.Errorf("authorize %s: %w", p.rec.Name(), err)
	}

	capture, err := p.ac.NewCapture(p.device, audio.DefaultCaptureConfig())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCaptureSourceUnavailable, err)
	}

	speechLocale := locale.ToSpeechLocale(source)
	p.rec.SetLanguage(speechLocale)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess, err := p.rec.NewSession(runCtx, transcriber.SessionConfig{
		Language:   speechLocale,
		SampleRate: encoder.SampleRate,
		Channels:   encoder.Channels,
	})
	if err != nil {
		cancel()
		capture.Close()
		return fmt.Errorf("open %s session: %w", p.rec.Name(), err)
	}

	vp, err := vad.New()
	if err != nil {
		log.Warnf("vad init: %v", err)
		vp = nil
	}

	r := &run{
		id:        uuid.NewString(),
		started:   time.Now(),
		cancel:    cancel,
		capture:   capture,
		sess:      sess,
		stopping:  make(chan struct{}),
		forwarded: make(chan struct{}),
		done:      make(chan struct{}),
	}

	capture.SetCallback(func(f audio.Frame) {
		if len(f.PCM) == 0 {
			return
		}
		pcm := make([]byte, len(f.PCM))
		copy(pcm, f.PCM)
		f.PCM = pcm
		sess.Feed(f)
		if vp != nil {
			vp.Process(pcm)
		}
		if p.level != nil {
			p.level(rms(pcm))
		}
	})
	if err := capture.Start(); err != nil {
		capture.ClearCallback()
		sess.Cancel()
		cancel()
		capture.Close()
		return fmt.Errorf("%w: %v", ErrCaptureSourceUnavailable, err)
	}

	p.mu.Lock()
	p.cur = r
	p.starting = false
	p.mu.Unlock()
	log.SessionStart(r.id, p.rec.Name(), source, target)
	log.Info("capture_device: " + capture.DeviceName())
	p.engine.SetRunning(true)
	p.engine.Info("capturing system audio from %s (%s)", capture.DeviceName(), p.rec.Name())

	go p.forward(r)
	go p.watchCapture(r)
	if vp != nil {
		go p.monitorSilence(r, vp)
	}
	return nil
}

// forward moves recognizer output into the engine until the session
// closes its channels.
func (p *Pipeline) forward(r *run) {
	defer close(r.forwarded)
	var reason error
	results, errs := r.sess.Results(), r.sess.Errors()
	for results != nil || errs != nil {
		select {
		case res, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			if res.IsFinal && res.Transcript != "" {
				r.lines.Add(1)
			}
			p.engine.HandleResult(res)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Errorf("recognition error: %v", err)
			p.engine.HandleError(err)
			if fatal(err) && reason == nil {
				reason = &RecognitionError{Err: err}
				go p.stop(r, reason)
			}
		}
	}

	if reason != nil {
		return
	}
	select {
	case <-r.stopping:
	default:
		go p.stop(r, fmt.Errorf("%w: recognizer closed", ErrStreamInterrupted))
	}
}

func fatal(err error) bool {
	var re *transcriber.Error
	if errors.As(err, &re) {
		return re.Fatal
	}
	return true
}

func (p *Pipeline) watchCapture(r *run) {
	select {
	case err := <-r.capture.Errors():
		if err != nil {
			p.stop(r, fmt.Errorf("%w: %v", ErrStreamInterrupted, err))
		}
	case <-r.stopping:
	}
}

func (p *Pipeline) monitorSilence(r *run, vp *vad.Processor) {
	mon := vad.NewMonitor()
	ticker := time.NewTicker(vad.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopping:
			return
		case <-ticker.C:
			switch mon.Tick(vp.HasSpeechTick()) {
			case vad.Warn:
				log.Info("no_voice_warning")
				p.engine.Warn("no speech in system audio")
			case vad.WarnClear:
				log.Info("voice_cleared")
				p.engine.Info("speech detected")
			}
		}
	}
}

// Stop ends the running session and waits for teardown.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	r := p.cur
	p.mu.Unlock()
	if r == nil {
		return
	}
	p.stop(r, nil)
	<-r.done
}

// stop tears a session down: end of audio, then cancel, then capture.
// Each step runs even if an earlier one fails.
func (p *Pipeline) stop(r *run, reason error) {
	r.stopOnce.Do(func() {
		close(r.stopping)
		if reason != nil {
			log.Errorf("pipeline stopping: %v", reason)
			p.engine.Error("stopped: %v", reason)
		}

		step("end audio", r.sess.EndAudio)
		select {
		case <-r.forwarded:
		case <-time.After(p.drain):
			log.Warn("recognizer did not flush before cancel")
		}
		step("cancel recognition", r.sess.Cancel)
		step("stop capture", func() {
			r.capture.Stop()
			r.capture.ClearCallback()
			r.capture.Close()
		})
		r.cancel()

		p.mu.Lock()
		if p.cur == r {
			p.cur = nil
		}
		p.lastErr = reason
		p.mu.Unlock()

		log.SessionEnd(r.id, int(r.lines.Load()), time.Since(r.started))
		p.engine.SetRunning(false)
		p.engine.Info("stopped")
		close(r.done)
	})
}

func step(name string, fn func()) {
	defer func() {
		if v := recover(); v != nil {
			log.Errorf("%s: %v", name, v)
		}
	}()
	fn()
}

// SetLanguages switches the recognition and translation languages. A
// running session is restarted so the recognizer picks up the new locale.
func (p *Pipeline) SetLanguages(ctx context.Context, source, target string) error {
	p.mu.Lock()
	running := p.cur != nil
	unchanged := p.source == source && p.target == target
	if !running {
		p.source, p.target = source, target
	}
	p.mu.Unlock()

	if unchanged {
		return nil
	}
	if !running {
		if p.coord != nil {
			p.coord.Configure(ctx, source, target)
		}
		return nil
	}
	log.Infof("language change %s>%s, restarting", source, target)
	p.Stop()
	return p.Start(ctx, source, target)
}

// Toggle starts a stopped pipeline and stops a running one.
func (p *Pipeline) Toggle(ctx context.Context) error {
	if p.Running() {
		p.Stop()
		return nil
	}
	source, target := p.Languages()
	return p.Start(ctx, source, target)
}

func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
