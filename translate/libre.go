package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"subtitle/internal/nettrace"
	"subtitle/locale"
	"subtitle/log"
)

// Libre talks to a LibreTranslate server.
type Libre struct {
	baseURL string
	apiKey  string
	client  *nettrace.Client
}

func NewLibre(baseURL, apiKey string) *Libre {
	baseURL = strings.TrimRight(baseURL, "/")
	return &Libre{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  nettrace.NewClient(baseURL+"/languages", 10*time.Second),
	}
}

func (l *Libre) Name() string { return "libretranslate" }

func libreCode(tag string) string {
	switch tag {
	case "zh-Hant", "zh-TW":
		return "zt"
	}
	return locale.Base(tag)
}

type libreLanguage struct {
	Code    string   `json:"code"`
	Name    string   `json:"name"`
	Targets []string `json:"targets"`
}

func (l *Libre) Status(ctx context.Context, source, target string) (Availability, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/languages", nil)
	if err != nil {
		return AvailabilityUnknown, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return AvailabilityUnknown, err
	}
	if resp.StatusCode != http.StatusOK {
		return AvailabilityUnknown, fmt.Errorf("libretranslate languages error %d", resp.StatusCode)
	}
	var langs []libreLanguage
	if err := json.Unmarshal(resp.Body, &langs); err != nil {
		return AvailabilityUnknown, fmt.Errorf("libretranslate languages parse error: %w", err)
	}

	src, tgt := libreCode(source), libreCode(target)
	for _, lang := range langs {
		if lang.Code != src {
			continue
		}
		// servers before 1.3 omit targets and translate between all pairs
		if len(lang.Targets) == 0 {
			return Installed, nil
		}
		for _, t := range lang.Targets {
			if t == tgt {
				return Installed, nil
			}
		}
	}
	return Unsupported, nil
}

func (l *Libre) NewSession(source, target string) Session {
	return &libreSession{l: l, source: libreCode(source), target: libreCode(target)}
}

type libreSession struct {
	l              *Libre
	source, target string
}

func (s *libreSession) Prepare(ctx context.Context) error {
	s.l.client.Warm(ctx)
	return nil
}

type libreRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
	APIKey string `json:"api_key,omitempty"`
}

type libreResponse struct {
	TranslatedText string `json:"translatedText"`
	Error          string `json:"error"`
}

func (s *libreSession) Translate(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(libreRequest{Q: text, Source: s.source, Target: s.target, Format: "text", APIKey: s.l.apiKey})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.l.baseURL+"/translate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.l.client.Do(req)
	if err != nil {
		return "", err
	}
	log.RequestMetrics("libretranslate", resp.Metrics, "")

	var out libreResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil && resp.StatusCode == http.StatusOK {
		return "", fmt.Errorf("libretranslate response parse error: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return "", fmt.Errorf("libretranslate: %w: %s", ErrUnavailable, out.Error)
	case resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("libretranslate: %w: api key rejected", ErrUnavailable)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("libretranslate error %d: %s", resp.StatusCode, out.Error)
	}
	return out.TranslatedText, nil
}
