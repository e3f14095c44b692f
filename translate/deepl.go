package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"subtitle/internal/nettrace"
	"subtitle/locale"
	"subtitle/log"
)

const (
	deeplFreeAPI = "https://api-free.deepl.com/v2"
	deeplProAPI  = "https://api.deepl.com/v2"
)

type DeepL struct {
	apiKey string
	apiURL string
	client *nettrace.Client

	mu    sync.Mutex
	langs map[string]map[string]bool // "source"/"target" -> codes
}

func NewDeepL(apiKey, apiURL string) *DeepL {
	if apiURL == "" {
		apiURL = deeplProAPI
		if strings.HasSuffix(apiKey, ":fx") {
			apiURL = deeplFreeAPI
		}
	}
	apiURL = strings.TrimRight(apiURL, "/")
	return &DeepL{
		apiKey: apiKey,
		apiURL: apiURL,
		client: nettrace.NewClient(apiURL+"/usage", 10*time.Second),
	}
}

func (d *DeepL) Name() string { return "deepl" }

// deeplCode maps an application tag to DeepL's language code. Targets need
// a variant for English, Portuguese and Chinese; sources take the base.
func deeplCode(tag string, target bool) string {
	base := strings.ToUpper(locale.Base(tag))
	if !target {
		return base
	}
	switch tag {
	case "zh-Hans", "zh", "zh-CN":
		return "ZH-HANS"
	case "zh-Hant", "zh-TW":
		return "ZH-HANT"
	case "en", "en-US":
		return "EN-US"
	case "en-GB":
		return "EN-GB"
	case "pt", "pt-PT":
		return "PT-PT"
	case "pt-BR":
		return "PT-BR"
	}
	return base
}

func (d *DeepL) do(ctx context.Context, method, path string, body any) (*nettrace.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.apiURL+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "DeepL-Auth-Key "+d.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	log.RequestMetrics("deepl", resp.Metrics, "")
	switch resp.StatusCode {
	case http.StatusOK:
		return resp, nil
	case http.StatusForbidden, http.StatusUnauthorized:
		return nil, fmt.Errorf("deepl: %w: credentials rejected", ErrUnavailable)
	case 456:
		return nil, fmt.Errorf("deepl: %w: quota exceeded", ErrUnavailable)
	}
	return nil, fmt.Errorf("deepl error %d: %s", resp.StatusCode, string(resp.Body))
}

func (d *DeepL) languages(ctx context.Context, kind string) (map[string]bool, error) {
	d.mu.Lock()
	cached := d.langs[kind]
	d.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	resp, err := d.do(ctx, http.MethodGet, "/languages?type="+kind, nil)
	if err != nil {
		return nil, err
	}
	var list []struct {
		Language string `json:"language"`
	}
	if err := json.Unmarshal(resp.Body, &list); err != nil {
		return nil, fmt.Errorf("deepl languages parse error: %w", err)
	}
	codes := make(map[string]bool, len(list))
	for _, l := range list {
		codes[strings.ToUpper(l.Language)] = true
	}
	d.mu.Lock()
	if d.langs == nil {
		d.langs = make(map[string]map[string]bool)
	}
	d.langs[kind] = codes
	d.mu.Unlock()
	return codes, nil
}

func (d *DeepL) Status(ctx context.Context, source, target string) (Availability, error) {
	src, err := d.languages(ctx, "source")
	if err != nil {
		return AvailabilityUnknown, err
	}
	tgt, err := d.languages(ctx, "target")
	if err != nil {
		return AvailabilityUnknown, err
	}
	if !src[deeplCode(source, false)] {
		return Unsupported, nil
	}
	// older language lists only carry the base target code
	if !tgt[deeplCode(target, true)] && !tgt[deeplCode(target, false)] {
		return Unsupported, nil
	}
	return Supported, nil
}

func (d *DeepL) NewSession(source, target string) Session {
	return &deeplSession{d: d, source: deeplCode(source, false), target: deeplCode(target, true)}
}

type deeplSession struct {
	d              *DeepL
	source, target string
}

func (s *deeplSession) Prepare(ctx context.Context) error {
	go s.d.client.Warm(ctx)
	_, err := s.d.do(ctx, http.MethodGet, "/usage", nil)
	return err
}

type deeplRequest struct {
	Text       []string `json:"text"`
	SourceLang string   `json:"source_lang,omitempty"`
	TargetLang string   `json:"target_lang"`
}

type deeplResponse struct {
	Translations []struct {
		DetectedSourceLanguage string `json:"detected_source_language"`
		Text                   string `json:"text"`
	} `json:"translations"`
}

func (s *deeplSession) Translate(ctx context.Context, text string) (string, error) {
	resp, err := s.d.do(ctx, http.MethodPost, "/translate", deeplRequest{
		Text:       []string{text},
		SourceLang: s.source,
		TargetLang: s.target,
	})
	if err != nil {
		return "", err
	}
	var out deeplResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", fmt.Errorf("deepl response parse error: %w", err)
	}
	if len(out.Translations) == 0 {
		return "", fmt.Errorf("deepl: empty response")
	}
	return out.Translations[0].Text, nil
}
