package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"subtitle/internal/nettrace"
	"subtitle/locale"
	"subtitle/log"
)

const (
	groqAPI          = "https://api.groq.com/openai/v1"
	groqDefaultModel = "whisper-large-v3-turbo"
	noSpeechCutoff   = 0.8
)

// Groq has no streaming endpoint. Its sessions re-transcribe the growing
// utterance window and use voice activity to decide when an utterance ends,
// which yields the same revise-then-finalize stream a live recognizer gives.
type Groq struct {
	baseTranscriber
	apiKey string
	model  string
	apiURL string
	client *nettrace.Client
	window windowConfig
}

func NewGroq(apiKey, model string) *Groq {
	if model == "" || strings.HasPrefix(model, "nova") {
		model = groqDefaultModel
	}
	return &Groq{
		apiKey: apiKey,
		model:  model,
		apiURL: groqAPI,
		client: nettrace.NewClient(groqAPI, 30*time.Second),
		window: defaultWindowConfig(),
	}
}

func (g *Groq) Name() string { return "groq" }

func (g *Groq) Authorize(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.apiURL+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("groq auth: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("groq: %w", ErrUnauthorized)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("groq auth error %d: %s", resp.StatusCode, string(resp.Body))
	}
	return nil
}

func (g *Groq) NewSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	if cfg.Language == "" {
		cfg.Language = g.lang
	}
	go g.client.Warm(ctx)
	lang := ""
	if cfg.Language != "" {
		lang = locale.Base(cfg.Language) // whisper takes ISO-639-1 only
	}
	transcribe := func(ctx context.Context, flac []byte) ([]Word, error) {
		return g.transcribe(ctx, flac, lang)
	}
	ws, err := newWindowSession(ctx, g.Name(), locale.WordSeparator(cfg.Language), g.window, transcribe)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

type groqWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type groqSegment struct {
	Text         string  `json:"text"`
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	NoSpeechProb float64 `json:"no_speech_prob"`
	AvgLogProb   float64 `json:"avg_logprob"`
}

type groqResponse struct {
	Text     string        `json:"text"`
	Duration float64       `json:"duration"`
	Words    []groqWord    `json:"words"`
	Segments []groqSegment `json:"segments"`
}

func (g *Groq) transcribe(ctx context.Context, flac []byte, lang string) ([]Word, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.flac")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(flac); err != nil {
		return nil, err
	}
	writer.WriteField("model", g.model)
	writer.WriteField("response_format", "verbose_json")
	writer.WriteField("timestamp_granularities[]", "word")
	writer.WriteField("timestamp_granularities[]", "segment")
	if lang != "" {
		writer.WriteField("language", lang)
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.apiURL+"/audio/transcriptions", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("groq: %w", ErrUnauthorized)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("groq API error %d: %s", resp.StatusCode, string(resp.Body))
	}

	var gResp groqResponse
	if err := json.Unmarshal(resp.Body, &gResp); err != nil {
		return nil, fmt.Errorf("groq response parse error: %w", err)
	}

	remaining := nettrace.FirstNonEmpty(resp.Header, "x-ratelimit-remaining-requests")
	limit := nettrace.FirstNonEmpty(resp.Header, "x-ratelimit-limit-requests")
	log.RequestMetrics("groq", resp.Metrics, remaining+"/"+limit)

	return groqWords(gResp), nil
}

// groqWords recovers punctuation for word timestamps. Whisper reports bare
// words; the segment text carries punctuation, so when a segment's tokens
// line up one-to-one with its words the punctuated tokens are used.
func groqWords(resp groqResponse) []Word {
	var segs []groqSegment
	for _, s := range resp.Segments {
		if s.NoSpeechProb > noSpeechCutoff {
			continue
		}
		segs = append(segs, s)
	}

	if len(resp.Words) == 0 {
		out := make([]Word, 0, len(segs))
		for _, s := range segs {
			out = append(out, Word{Text: strings.TrimSpace(s.Text), Start: s.Start, End: s.End})
		}
		return out
	}

	var out []Word
	wi := 0
	for _, s := range segs {
		for wi < len(resp.Words) && resp.Words[wi].Start < s.Start-0.01 {
			wi++ // words under a dropped segment
		}
		var segWords []groqWord
		for wi < len(resp.Words) && resp.Words[wi].Start < s.End {
			segWords = append(segWords, resp.Words[wi])
			wi++
		}
		tokens := strings.Fields(s.Text)
		for i, w := range segWords {
			text := w.Word
			if len(tokens) == len(segWords) {
				text = tokens[i]
			}
			out = append(out, Word{Text: text, Start: w.Start, End: w.End})
		}
	}
	if len(segs) == 0 && len(resp.Segments) == 0 {
		for _, w := range resp.Words {
			out = append(out, Word{Text: w.Word, Start: w.Start, End: w.End})
		}
	}
	return out
}
