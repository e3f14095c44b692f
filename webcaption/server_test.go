package webcaption

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"subtitle/caption"
	"subtitle/transcriber"
)

type fakeController struct {
	mu             sync.Mutex
	running        bool
	source, target string
	toggleErr      error
}

func (f *fakeController) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeController) Toggle(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.toggleErr != nil {
		return f.toggleErr
	}
	f.running = !f.running
	return nil
}

func (f *fakeController) Languages() (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.source, f.target
}

func (f *fakeController) SetLanguages(_ context.Context, source, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.source, f.target = source, target
	return nil
}

type upper struct{}

func (upper) Translate(_ context.Context, text string) string { return strings.ToUpper(text) }

func runEngine(t *testing.T) (*caption.Engine, context.CancelFunc) {
	t.Helper()
	e := caption.NewEngine(upper{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e, cancel
}

func result(final bool, text string) transcriber.Result {
	var words []transcriber.Word
	at := 0.0
	for _, w := range strings.Fields(text) {
		words = append(words, transcriber.Word{Text: w, Start: at, End: at + 0.3})
		at += 0.3
	}
	return transcriber.NewResult(words, " ", final)
}

func waitSeq(t *testing.T, e *caption.Engine, cond func(caption.Snapshot) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond(e.Snapshot()) {
		if time.Now().After(deadline) {
			t.Fatalf("snapshot never matched: %+v", e.Snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func do(t *testing.T, s *Server, method, path, body string) (int, envelope) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("%s %s: decode: %v", method, path, err)
	}
	return resp.StatusCode, env
}

func TestCaptionEndpoint(t *testing.T) {
	e, _ := runEngine(t)
	e.HandleResult(result(false, "Hello there"))
	waitSeq(t, e, func(s caption.Snapshot) bool { return s.Translated == "HELLO THERE" })

	status, env := do(t, New(e, nil), http.MethodGet, "/api/v1/caption", "")
	if status != http.StatusOK || env.Status != "success" {
		t.Fatalf("status = %d %s", status, env.Status)
	}
	var v captionView
	json.Unmarshal(env.Data, &v)
	if v.Original != "Hello there" || v.Translated != "HELLO THERE" || v.Seq == 0 {
		t.Errorf("caption = %+v", v)
	}
}

func TestTranscriptEndpoint(t *testing.T) {
	e, _ := runEngine(t)
	e.Info("started")
	e.HandleResult(result(true, "First line."))
	waitSeq(t, e, func(s caption.Snapshot) bool { return len(s.Log) == 3 })

	s := New(e, nil)
	_, env := do(t, s, http.MethodGet, "/api/v1/transcript?since=1", "")
	var got struct {
		Lines []lineView `json:"lines"`
		Next  int        `json:"next"`
	}
	json.Unmarshal(env.Data, &got)
	if got.Next != 3 || len(got.Lines) != 2 {
		t.Fatalf("transcript = %+v", got)
	}
	if got.Lines[0].Kind != "original" || got.Lines[0].Text != "First line." {
		t.Errorf("line 0 = %+v", got.Lines[0])
	}
	if got.Lines[1].Kind != "translation" || got.Lines[1].Text != "FIRST LINE." {
		t.Errorf("line 1 = %+v", got.Lines[1])
	}

	_, env = do(t, s, http.MethodGet, "/api/v1/transcript?kind=info", "")
	json.Unmarshal(env.Data, &got)
	if len(got.Lines) != 1 || got.Lines[0].Text != "started" {
		t.Errorf("info lines = %+v", got.Lines)
	}

	status, env := do(t, s, http.MethodGet, "/api/v1/transcript?since=-2", "")
	if status != http.StatusBadRequest || env.Status != "error" {
		t.Errorf("bad since: %d %+v", status, env)
	}
}

func TestTranscriptCursorSurvivesTrim(t *testing.T) {
	e := caption.NewEngine(nil, caption.WithMaxLog(3))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	for _, s := range []string{"one", "two", "three"} {
		e.Info("%s", s)
	}
	waitSeq(t, e, func(s caption.Snapshot) bool { return s.Next() == 3 })

	s := New(e, nil)
	var got struct {
		Lines []lineView `json:"lines"`
		Next  int        `json:"next"`
	}
	_, env := do(t, s, http.MethodGet, "/api/v1/transcript", "")
	json.Unmarshal(env.Data, &got)
	if got.Next != 3 {
		t.Fatalf("next = %d", got.Next)
	}
	cursor := got.Next

	e.Info("four")
	e.Info("five")
	waitSeq(t, e, func(s caption.Snapshot) bool { return s.Next() == 5 })

	_, env = do(t, s, http.MethodGet, fmt.Sprintf("/api/v1/transcript?since=%d", cursor), "")
	got.Lines = nil
	json.Unmarshal(env.Data, &got)
	if got.Next != 5 || len(got.Lines) != 2 || got.Lines[0].Text != "four" || got.Lines[1].Text != "five" {
		t.Errorf("after trim: %+v", got)
	}
}

func TestEventsStream(t *testing.T) {
	e, stop := runEngine(t)
	go func() {
		time.Sleep(200 * time.Millisecond)
		e.HandleResult(result(false, "Live words"))
		deadline := time.Now().Add(2 * time.Second)
		for e.Snapshot().Translated != "LIVE WORDS" && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		e.Info("log only")
		time.Sleep(50 * time.Millisecond)
		stop()
	}()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	resp, err := New(e, nil).App().Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	if !strings.Contains(text, "event: caption\n") {
		t.Fatalf("no caption events in %q", text)
	}
	if !strings.Contains(text, `"translated":"LIVE WORDS"`) {
		t.Errorf("translated caption missing from %q", text)
	}
	if n := strings.Count(text, "event: caption"); n > 3 {
		t.Errorf("%d events; log-only changes should not be streamed", n)
	}
}

func TestToggleAndLanguages(t *testing.T) {
	e, _ := runEngine(t)
	ctl := &fakeController{source: "en", target: "zh-Hans"}
	s := New(e, ctl)

	status, env := do(t, s, http.MethodPost, "/api/v1/toggle", "")
	if status != http.StatusOK || !strings.Contains(string(env.Data), `"running":true`) {
		t.Errorf("toggle: %d %s", status, env.Data)
	}

	status, _ = do(t, s, http.MethodPut, "/api/v1/languages", `{"source":"ja","target":"en"}`)
	if status != http.StatusOK {
		t.Errorf("put languages status = %d", status)
	}
	if src, tgt := ctl.Languages(); src != "ja" || tgt != "en" {
		t.Errorf("languages = %s>%s", src, tgt)
	}

	status, env = do(t, s, http.MethodPut, "/api/v1/languages", `{"source":"tlh","target":"en"}`)
	if status != http.StatusBadRequest || !strings.Contains(env.Message, "'Source'") {
		t.Errorf("invalid language: %d %q", status, env.Message)
	}

	_, env = do(t, s, http.MethodGet, "/api/v1/languages", "")
	if !strings.Contains(string(env.Data), `"source":"ja"`) || !strings.Contains(string(env.Data), `"zh-Hant"`) {
		t.Errorf("languages = %s", env.Data)
	}

	ctl.toggleErr = errors.New("recognizer authorization denied")
	status, env = do(t, s, http.MethodPost, "/api/v1/toggle", "")
	if status != http.StatusServiceUnavailable || env.Message != "recognizer authorization denied" {
		t.Errorf("failed toggle: %d %q", status, env.Message)
	}
}

func TestReadOnlyWithoutController(t *testing.T) {
	e, _ := runEngine(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/toggle", nil)
	resp, err := New(e, nil).App().Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
