package transcriber

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestParseDeepgramResults(t *testing.T) {
	msg := `{"type":"Results","is_final":true,"speech_final":false,
		"channel":{"alternatives":[{"transcript":"hello world",
		"words":[{"word":"hello","punctuated_word":"Hello","start":0.1,"end":0.4},
		{"word":"world","punctuated_word":"world.","start":0.5,"end":0.9}]}]}}`

	u, ok, err := parseDeepgramMessage([]byte(msg))
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if !u.IsFinal || u.SpeechFinal {
		t.Errorf("flags = %+v", u)
	}
	if len(u.Words) != 2 || u.Words[0].Text != "Hello" || u.Words[1].Text != "world." {
		t.Fatalf("words = %+v", u.Words)
	}
	if u.Words[1].Start != 0.5 || u.Words[1].End != 0.9 {
		t.Errorf("timing = %+v", u.Words[1])
	}
}

func TestParseDeepgramFallbacks(t *testing.T) {
	u, ok, err := parseDeepgramMessage([]byte(`{"type":"Results","channel":{"alternatives":[{"transcript":"untimed text","words":[]}]}}`))
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if len(u.Words) != 1 || u.Words[0].Text != "untimed text" {
		t.Errorf("words = %+v", u.Words)
	}

	u, _, _ = parseDeepgramMessage([]byte(`{"type":"Results","channel":{"alternatives":[{"words":[{"word":"bare","start":0,"end":1}]}]}}`))
	if len(u.Words) != 1 || u.Words[0].Text != "bare" {
		t.Errorf("unpunctuated fallback = %+v", u.Words)
	}
}

func TestParseDeepgramControlMessages(t *testing.T) {
	u, ok, err := parseDeepgramMessage([]byte(`{"type":"UtteranceEnd","last_word_end":2.1}`))
	if err != nil || !ok || !u.UtteranceEnd {
		t.Errorf("UtteranceEnd: %+v ok=%v err=%v", u, ok, err)
	}
	for _, msg := range []string{`{"type":"Metadata"}`, `{"type":"SpeechStarted"}`} {
		if _, ok, err := parseDeepgramMessage([]byte(msg)); ok || err != nil {
			t.Errorf("%s: ok=%v err=%v", msg, ok, err)
		}
	}
	if _, _, err := parseDeepgramMessage([]byte(`{not json`)); err == nil {
		t.Error("expected parse error")
	}
}

func TestDeepgramListenURL(t *testing.T) {
	d := NewDeepgram("key", "")
	raw, err := d.listenURL(SessionConfig{Language: "zh-CN", SampleRate: 48000, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	for k, want := range map[string]string{
		"model":           "nova-3",
		"encoding":        "linear16",
		"sample_rate":     "48000",
		"channels":        "1",
		"interim_results": "true",
		"language":        "zh",
	} {
		if got := q.Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
}

func TestDeepgramAuthorize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	for _, tt := range []struct {
		key     string
		wantErr error
	}{
		{"good", nil},
		{"bad", ErrUnauthorized},
	} {
		d := NewDeepgram(tt.key, "")
		d.apiURL = srv.URL
		err := d.Authorize(context.Background())
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("key %q: err = %v, want %v", tt.key, err, tt.wantErr)
		}
	}
}
