package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"subtitle/audio"
	"subtitle/caption"
	"subtitle/transcriber"
	"subtitle/translate"
)

type harness struct {
	p      *Pipeline
	engine *caption.Engine
	rec    *transcriber.Fake
	tr     *translate.Fake
	coord  *translate.Coordinator
	ac     *trackingContext
}

func newHarness(t *testing.T, steps []transcriber.Step, authErr error) *harness {
	t.Helper()
	h := &harness{
		rec: transcriber.NewFake(steps, authErr),
		tr:  &translate.Fake{},
		ac:  &trackingContext{FakeContext: audio.NewFakeContextPCM(make([]byte, 9600), false)},
	}
	h.coord = translate.NewCoordinator(h.tr)
	h.engine = caption.NewEngine(h.coord)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.engine.Run(ctx)
		close(done)
	}()
	h.p = New(h.ac, h.rec, h.coord, h.engine, WithDrain(500*time.Millisecond))
	t.Cleanup(func() {
		h.p.Stop()
		cancel()
		<-done
	})
	return h
}

// waitFor polls the engine snapshot until cond holds.
func (h *harness) waitFor(t *testing.T, what string, cond func(caption.Snapshot) bool) caption.Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s := h.engine.Snapshot(); cond(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; snapshot = %+v", what, h.engine.Snapshot())
	return caption.Snapshot{}
}

func hasLine(kind caption.LineKind, substr string) func(caption.Snapshot) bool {
	return func(s caption.Snapshot) bool {
		for _, l := range s.Log {
			if l.Kind == kind && strings.Contains(l.Text, substr) {
				return true
			}
		}
		return false
	}
}

// trackingContext remembers the captures it hands out.
type trackingContext struct {
	*audio.FakeContext
	mu       sync.Mutex
	captures []*audio.FakeCapture
}

func (c *trackingContext) NewCapture(d *audio.DeviceInfo, cfg audio.CaptureConfig) (audio.CaptureDevice, error) {
	dev, err := c.FakeContext.NewCapture(d, cfg)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.captures = append(c.captures, dev.(*audio.FakeCapture))
	c.mu.Unlock()
	return dev, nil
}

func (c *trackingContext) last() *audio.FakeCapture {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captures[len(c.captures)-1]
}

type brokenContext struct{}

func (brokenContext) Devices() ([]audio.DeviceInfo, error) { return nil, errors.New("no server") }
func (brokenContext) Close()                               {}
func (brokenContext) NewCapture(*audio.DeviceInfo, audio.CaptureConfig) (audio.CaptureDevice, error) {
	return nil, errors.New("no monitor source")
}

func TestCaptionsFlowAndStopOrder(t *testing.T) {
	h := newHarness(t, []transcriber.Step{
		{Text: "Good"},
		{Text: "Good morning."},
		{Text: "Good morning.", Final: true},
	}, nil)

	if err := h.p.Start(context.Background(), "en", "ja"); err != nil {
		t.Fatal(err)
	}
	if !h.p.Running() || h.p.SessionID() == "" {
		t.Fatal("pipeline not running after Start")
	}
	h.waitFor(t, "translated final line", hasLine(caption.LineTranslation, "[ja] Good morning."))

	sessions := h.rec.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d", len(sessions))
	}
	if sessions[0].FedBytes() == 0 {
		t.Error("no audio reached the recognizer")
	}

	h.p.Stop()
	if got := sessions[0].Calls(); !slices.Equal(got, []string{"end", "cancel"}) {
		t.Errorf("teardown calls = %v, want [end cancel]", got)
	}
	if h.p.Running() || h.p.Err() != nil {
		t.Errorf("after Stop: running=%v err=%v", h.p.Running(), h.p.Err())
	}
	h.waitFor(t, "stopped state", func(s caption.Snapshot) bool { return !s.Running })
	if got := h.rec.GetLanguage(); got != "en-US" {
		t.Errorf("recognizer language = %q", got)
	}
}

func TestStartTwiceIsNoop(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	if err := h.p.Start(ctx, "en", "de"); err != nil {
		t.Fatal(err)
	}
	id := h.p.SessionID()
	if err := h.p.Start(ctx, "fr", "de"); err != nil {
		t.Fatal(err)
	}
	if h.p.SessionID() != id || len(h.rec.Sessions()) != 1 {
		t.Error("second Start opened a new session")
	}
}

func TestAuthorizationDenied(t *testing.T) {
	h := newHarness(t, nil, fmt.Errorf("deepgram: %w", transcriber.ErrUnauthorized))

	err := h.p.Start(context.Background(), "en", "zh-Hans")
	if !errors.Is(err, ErrAuthorizationDenied) {
		t.Fatalf("err = %v, want ErrAuthorizationDenied", err)
	}
	if h.p.Running() || len(h.rec.Sessions()) != 0 {
		t.Error("pipeline started despite denied authorization")
	}
	h.waitFor(t, "error line", hasLine(caption.LineError, "authorization denied"))
}

func TestCaptureSourceUnavailable(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.p.ac = brokenContext{}

	err := h.p.Start(context.Background(), "en", "zh-Hans")
	if !errors.Is(err, ErrCaptureSourceUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if h.p.Running() {
		t.Error("running after capture failure")
	}
}

func TestFatalRecognitionErrorStops(t *testing.T) {
	h := newHarness(t, []transcriber.Step{
		{Text: "Hello"},
		{Delay: 20 * time.Millisecond, Err: "socket closed", Fatal: true},
	}, nil)

	if err := h.p.Start(context.Background(), "en", "de"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-h.p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline did not stop after fatal error")
	}

	err := h.p.Err()
	var re *RecognitionError
	if !errors.As(err, &re) || !errors.Is(err, ErrStreamInterrupted) {
		t.Fatalf("Err() = %v", err)
	}
	if err.Error() != "recognition failed: socket closed" {
		t.Errorf("message = %q", err.Error())
	}
	h.waitFor(t, "stop line", hasLine(caption.LineError, "stopped: recognition failed"))
	if got := h.rec.Sessions()[0].Calls(); !slices.Equal(got, []string{"end", "cancel"}) {
		t.Errorf("teardown calls = %v", got)
	}
}

func TestTransientRecognitionErrorKeepsRunning(t *testing.T) {
	h := newHarness(t, []transcriber.Step{
		{Err: "retrying", Fatal: false},
		{Text: "Still here", Final: true},
	}, nil)

	if err := h.p.Start(context.Background(), "en", "de"); err != nil {
		t.Fatal(err)
	}
	h.waitFor(t, "final line", hasLine(caption.LineOriginal, "Still here"))
	if !h.p.Running() {
		t.Error("transient error stopped the pipeline")
	}
	h.waitFor(t, "error line", hasLine(caption.LineError, "recognition: retrying"))
}

func TestCaptureFailureStops(t *testing.T) {
	h := newHarness(t, nil, nil)
	if err := h.p.Start(context.Background(), "en", "de"); err != nil {
		t.Fatal(err)
	}
	done := h.p.Done()
	h.ac.last().Fail(errors.New("device unplugged"))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline did not stop after capture failure")
	}
	if !errors.Is(h.p.Err(), ErrStreamInterrupted) {
		t.Errorf("Err() = %v", h.p.Err())
	}
}

func TestLanguageChangeRestarts(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	if err := h.p.Start(ctx, "en", "zh-Hans"); err != nil {
		t.Fatal(err)
	}
	first := h.p.SessionID()

	if err := h.p.SetLanguages(ctx, "ja", "en"); err != nil {
		t.Fatal(err)
	}
	sessions := h.rec.Sessions()
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
	if got := sessions[0].Calls(); !slices.Equal(got, []string{"end", "cancel"}) {
		t.Errorf("old session calls = %v", got)
	}
	if !h.p.Running() || h.p.SessionID() == first {
		t.Error("pipeline not restarted with a new session")
	}
	if got := h.rec.GetLanguage(); got != "ja-JP" {
		t.Errorf("recognizer language = %q", got)
	}
	if src, tgt := h.coord.Pair(); src != "ja" || tgt != "en" {
		t.Errorf("translation pair = %s>%s", src, tgt)
	}
}

func TestLanguageChangeWhileStopped(t *testing.T) {
	h := newHarness(t, nil, nil)
	if err := h.p.SetLanguages(context.Background(), "ko", "en"); err != nil {
		t.Fatal(err)
	}
	if h.p.Running() || len(h.rec.Sessions()) != 0 {
		t.Error("language change started the pipeline")
	}
	if src, tgt := h.p.Languages(); src != "ko" || tgt != "en" {
		t.Errorf("Languages = %s>%s", src, tgt)
	}
	if src, _ := h.coord.Pair(); src != "ko" {
		t.Errorf("translation not reconfigured: %s", src)
	}
}

func TestToggle(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	h.p.SetLanguages(ctx, "en", "fr")

	if err := h.p.Toggle(ctx); err != nil || !h.p.Running() {
		t.Fatalf("toggle on: running=%v err=%v", h.p.Running(), err)
	}
	if err := h.p.Toggle(ctx); err != nil || h.p.Running() {
		t.Fatalf("toggle off: running=%v err=%v", h.p.Running(), err)
	}
}

func TestLevelCallback(t *testing.T) {
	h := newHarness(t, nil, nil)
	levels := make(chan float64, 64)
	h.p.level = func(v float64) {
		select {
		case levels <- v:
		default:
		}
	}
	if err := h.p.Start(context.Background(), "en", "fr"); err != nil {
		t.Fatal(err)
	}
	select {
	case v := <-levels:
		if v != 0 {
			t.Errorf("silence level = %v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("no level reported")
	}
}

func TestRMS(t *testing.T) {
	full := []byte{0xff, 0x7f, 0x01, 0x80} // 32767, -32767
	if got := rms(full); got < 0.99 || got > 1.0 {
		t.Errorf("rms = %v", got)
	}
	if rms(nil) != 0 {
		t.Error("rms(nil) != 0")
	}
}

// gatedAuth holds Authorize until release is closed.
type gatedAuth struct {
	*transcriber.Fake
	entered chan struct{}
	release chan struct{}
}

func (g *gatedAuth) Authorize(ctx context.Context) error {
	close(g.entered)
	<-g.release
	return g.Fake.Authorize(ctx)
}

func TestAccessorsDoNotWaitForAuthorize(t *testing.T) {
	h := newHarness(t, nil, nil)
	gate := &gatedAuth{Fake: h.rec, entered: make(chan struct{}), release: make(chan struct{})}
	h.p.rec = gate

	started := make(chan error, 1)
	go func() { started <- h.p.Start(context.Background(), "en", "de") }()
	<-gate.entered

	answered := make(chan struct{})
	go func() {
		h.p.Running()
		h.p.Languages()
		h.p.SessionID()
		<-h.p.Done()
		if err := h.p.Start(context.Background(), "en", "de"); err != nil {
			t.Errorf("second Start: %v", err)
		}
		close(answered)
	}()
	select {
	case <-answered:
	case <-time.After(time.Second):
		t.Fatal("accessors blocked behind Authorize")
	}
	if src, tgt := h.p.Languages(); src != "en" || tgt != "de" {
		t.Errorf("Languages = %s>%s", src, tgt)
	}

	close(gate.release)
	if err := <-started; err != nil {
		t.Fatal(err)
	}
	if !h.p.Running() || len(h.rec.Sessions()) != 1 {
		t.Error("pipeline not running with one session after Authorize")
	}
}
