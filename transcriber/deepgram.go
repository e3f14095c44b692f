package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"subtitle/internal/nettrace"
	"subtitle/locale"
)

const (
	deepgramAPI    = "https://api.deepgram.com"
	deepgramStream = "wss://api.deepgram.com/v1/listen"
)

type Deepgram struct {
	baseTranscriber
	apiKey    string
	model     string
	apiURL    string
	streamURL string
	client    *nettrace.Client
}

func NewDeepgram(apiKey, model string) *Deepgram {
	if model == "" {
		model = "nova-3"
	}
	return &Deepgram{
		apiKey:    apiKey,
		model:     model,
		apiURL:    deepgramAPI,
		streamURL: deepgramStream,
		client:    nettrace.NewClient(deepgramAPI, 10*time.Second),
	}
}

func (d *Deepgram) Name() string { return "deepgram" }

func (d *Deepgram) Authorize(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.apiURL+"/v1/auth/token", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Token "+d.apiKey)
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("deepgram auth: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("deepgram: %w", ErrUnauthorized)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("deepgram auth error %d: %s", resp.StatusCode, string(resp.Body))
	}
	return nil
}

func (d *Deepgram) NewSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	if cfg.Language == "" {
		cfg.Language = d.lang
	}
	endpoint, err := d.listenURL(cfg)
	if err != nil {
		return nil, err
	}
	dial := func(ctx context.Context) (rawStreamSession, error) {
		return d.startStream(ctx, endpoint)
	}
	return newStreamSession(ctx, d.Name(), locale.WordSeparator(cfg.Language), dial), nil
}

func (d *Deepgram) listenURL(cfg SessionConfig) (string, error) {
	endpoint, err := url.Parse(d.streamURL)
	if err != nil {
		return "", err
	}
	q := endpoint.Query()
	q.Set("model", d.model)
	q.Set("encoding", "linear16")
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("endpointing", "300")
	q.Set("utterance_end_ms", "1000")
	if cfg.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if cfg.Language != "" {
		q.Set("language", locale.RecognizerLanguage(cfg.Language))
	}
	endpoint.RawQuery = q.Encode()
	return endpoint.String(), nil
}

type deepgramWord struct {
	Word           string  `json:"word"`
	PunctuatedWord string  `json:"punctuated_word"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
}

type deepgramStreamResponse struct {
	Type         string `json:"type"`
	IsFinal      bool   `json:"is_final"`
	SpeechFinal  bool   `json:"speech_final"`
	FromFinalize bool   `json:"from_finalize"`
	Channel      struct {
		Alternatives []struct {
			Transcript string         `json:"transcript"`
			Words      []deepgramWord `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type deepgramStreamSession struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func (d *Deepgram) startStream(ctx context.Context, endpoint string) (rawStreamSession, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.apiKey)

	streamCtx, cancel := context.WithCancel(ctx)
	conn, resp, err := websocket.Dial(streamCtx, endpoint, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		cancel()
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("deepgram: %w", ErrUnauthorized)
		}
		return nil, err
	}
	conn.SetReadLimit(1 << 20)

	return &deepgramStreamSession{conn: conn, ctx: streamCtx, cancel: cancel}, nil
}

func (s *deepgramStreamSession) Send(pcm []byte) error {
	return s.conn.Write(s.ctx, websocket.MessageBinary, pcm)
}

func (s *deepgramStreamSession) Finalize() error {
	if err := s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"Finalize"}`)); err != nil {
		return err
	}
	return s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
}

func (s *deepgramStreamSession) Recv() (streamUpdate, error) {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return streamUpdate{}, err
		}
		update, ok, err := parseDeepgramMessage(data)
		if err != nil {
			return streamUpdate{}, err
		}
		if ok {
			return update, nil
		}
	}
}

func (s *deepgramStreamSession) Close() error {
	s.cancel()
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// parseDeepgramMessage maps a server message to a streamUpdate. Metadata
// and speech-started events report ok=false.
func parseDeepgramMessage(data []byte) (streamUpdate, bool, error) {
	var resp deepgramStreamResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return streamUpdate{}, false, fmt.Errorf("deepgram message parse error: %w", err)
	}

	switch resp.Type {
	case "UtteranceEnd":
		return streamUpdate{UtteranceEnd: true}, true, nil
	case "Results", "":
	default:
		return streamUpdate{}, false, nil
	}

	var words []Word
	if len(resp.Channel.Alternatives) > 0 {
		alt := resp.Channel.Alternatives[0]
		for _, w := range alt.Words {
			text := w.PunctuatedWord
			if text == "" {
				text = w.Word
			}
			words = append(words, Word{Text: text, Start: w.Start, End: w.End})
		}
		// some models omit word timing; fall back to one untimed segment
		if len(words) == 0 && strings.TrimSpace(alt.Transcript) != "" {
			words = []Word{{Text: alt.Transcript}}
		}
	}

	return streamUpdate{
		Words:        words,
		IsFinal:      resp.IsFinal,
		SpeechFinal:  resp.SpeechFinal,
		FromFinalize: resp.FromFinalize,
	}, true, nil
}
