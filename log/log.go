package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"subtitle/internal/nettrace"
)

const (
	DiagnosticsFile = "diagnostics_log.txt"
	TranscriptFile  = "transcript_log.txt"
	TranslationMark = "译: "
)

var (
	diagLog        zerolog.Logger
	diagFile       *os.File
	transcriptFile *os.File
	logMu          sync.Mutex
	logReady       bool
	pid            int
	dir            string
	level          = zerolog.InfoLevel
)

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		return absolute(flagPath)
	}

	// Priority 2: SUBTITLE_LOG_PATH environment variable
	if envPath := os.Getenv("SUBTITLE_LOG_PATH"); envPath != "" {
		return absolute(envPath)
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absolute(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

// SetLevel parses a zerolog level name; unknown names keep the current level.
func SetLevel(name string) {
	if name == "" {
		return
	}
	if l, err := zerolog.ParseLevel(name); err == nil {
		level = l
		if logReady {
			diagLog = diagLog.Level(l)
		}
	}
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error

	diagFile, err = os.OpenFile(filepath.Join(dir, DiagnosticsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	transcriptFile, err = os.OpenFile(filepath.Join(dir, TranscriptFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).Level(level).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if transcriptFile != nil {
		transcriptFile.Close()
		transcriptFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

// Transcript appends a finalized caption line to transcript_log.txt.
func Transcript(text string) {
	writeTranscript(text)
}

// Translation appends the translation of the preceding caption line.
func Translation(text string) {
	writeTranscript(TranslationMark + text)
}

func writeTranscript(text string) {
	if !logReady {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	if transcriptFile == nil {
		return
	}
	line := fmt.Sprintf("%s\t[%d]\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, text)
	transcriptFile.WriteString(line)
}

type StreamMetricsData struct {
	Provider     string
	ConnectMs    float64
	TotalMs      float64
	AudioS       float64
	SentChunks   int
	SentKB       float64
	Dropped      int
	RecvMessages int
	RecvFinal    int
	Utterances   int
}

func StreamMetrics(m StreamMetricsData) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("provider", m.Provider).
		Float64("connect_ms", m.ConnectMs).
		Float64("total_ms", m.TotalMs).
		Float64("audio_s", m.AudioS).
		Int("sent_chunks", m.SentChunks).
		Float64("sent_kb", m.SentKB).
		Int("dropped", m.Dropped).
		Int("recv_messages", m.RecvMessages).
		Int("recv_final", m.RecvFinal).
		Int("utterances", m.Utterances).
		Msg("stream_transcription")
}

// RequestMetrics logs the network timing of one HTTP round trip.
func RequestMetrics(provider string, m *nettrace.Metrics, rateLimit string) {
	if !logReady || m == nil {
		return
	}

	connStatus := "new"
	if m.ConnReused {
		connStatus = "reused"
	}

	ev := diagLog.Debug().
		Str("provider", provider).
		Str("conn", connStatus)
	if m.TLSProtocol != "" {
		ev = ev.Str("tls_proto", m.TLSProtocol)
	}
	if rateLimit != "" && rateLimit != "?/?" {
		ev = ev.Str("rate_limit", rateLimit)
	}
	ev.Float64("dns_ms", ms(m.DNS)).
		Float64("tls_ms", ms(m.TLS)).
		Float64("ttfb_ms", ms(m.TTFB)).
		Float64("total_ms", ms(m.Total)).
		Msg("request")
}

func TranslationMetrics(backend, source, target string, chars int, d time.Duration, ok bool) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("backend", backend).
		Str("pair", source+">"+target).
		Int("chars", chars).
		Float64("total_ms", ms(d)).
		Bool("ok", ok).
		Msg("translation")
}

func SessionStart(id, provider, source, target string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", id).
		Str("provider", provider).
		Str("source", source).
		Str("target", target).
		Msg("session_start")
}

func SessionEnd(id string, lines int, d time.Duration) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", id).
		Int("lines", lines).
		Float64("duration_s", d.Seconds()).
		Msg("session_end")
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
