package transcriber

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGroqWordsRestorePunctuation(t *testing.T) {
	resp := groqResponse{
		Segments: []groqSegment{
			{Text: " Hello world.", Start: 0, End: 1},
			{Text: " Thanks for watching!", Start: 5, End: 6, NoSpeechProb: 0.95},
			{Text: " How are you?", Start: 1, End: 2.5},
		},
		Words: []groqWord{
			{Word: "Hello", Start: 0, End: 0.4},
			{Word: "world", Start: 0.5, End: 0.9},
			{Word: "How", Start: 1.1, End: 1.3},
			{Word: "are", Start: 1.4, End: 1.6},
			{Word: "you", Start: 1.7, End: 2.0},
		},
	}
	// segments arrive in time order from the API
	resp.Segments[1], resp.Segments[2] = resp.Segments[2], resp.Segments[1]

	got := groqWords(resp)
	var texts []string
	for _, w := range got {
		texts = append(texts, w.Text)
	}
	if strings.Join(texts, " ") != "Hello world. How are you?" {
		t.Fatalf("words = %v", texts)
	}
	if got[4].Start != 1.7 {
		t.Errorf("timing lost: %+v", got[4])
	}
}

func TestGroqWordsMismatchKeepsBareWords(t *testing.T) {
	resp := groqResponse{
		Segments: []groqSegment{{Text: " Twenty-five dollars.", Start: 0, End: 2}},
		Words: []groqWord{
			{Word: "Twenty", Start: 0, End: 0.3},
			{Word: "five", Start: 0.3, End: 0.6},
			{Word: "dollars", Start: 0.6, End: 1},
		},
	}
	got := groqWords(resp)
	if len(got) != 3 || got[0].Text != "Twenty" {
		t.Errorf("words = %+v", got)
	}
}

func TestGroqWordsSegmentsOnly(t *testing.T) {
	resp := groqResponse{Segments: []groqSegment{{Text: " 你好，世界。", Start: 0, End: 1.5}}}
	got := groqWords(resp)
	if len(got) != 1 || got[0].Text != "你好，世界。" || got[0].End != 1.5 {
		t.Errorf("words = %+v", got)
	}
}

func TestGroqTranscribe(t *testing.T) {
	var gotLang, gotFormat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("multipart: %v", err)
		}
		gotLang = r.FormValue("language")
		gotFormat = r.FormValue("response_format")
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("file: %v", err)
		} else {
			io.Copy(io.Discard, f)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"Hi.","segments":[{"text":" Hi.","start":0,"end":0.5}],"words":[{"word":"Hi","start":0,"end":0.4}]}`))
	}))
	defer srv.Close()

	g := NewGroq("key", "")
	g.apiURL = srv.URL
	words, err := g.transcribe(context.Background(), []byte("fLaC"), "de")
	if err != nil {
		t.Fatal(err)
	}
	if len(words) != 1 || words[0].Text != "Hi." {
		t.Errorf("words = %+v", words)
	}
	if gotLang != "de" || gotFormat != "verbose_json" {
		t.Errorf("language=%q format=%q", gotLang, gotFormat)
	}
}

func TestGroqUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	g := NewGroq("bad", "")
	g.apiURL = srv.URL
	if err := g.Authorize(context.Background()); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Authorize err = %v", err)
	}
	if _, err := g.transcribe(context.Background(), nil, ""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("transcribe err = %v", err)
	}
}

func TestGroqModelDefault(t *testing.T) {
	if g := NewGroq("k", "nova-3"); g.model != groqDefaultModel {
		t.Errorf("model = %q", g.model)
	}
	if g := NewGroq("k", "whisper-large-v3"); g.model != "whisper-large-v3" {
		t.Errorf("model = %q", g.model)
	}
}
