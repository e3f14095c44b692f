package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func setupLogDir(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	SetDir(tmp)
	t.Cleanup(func() { Close(); SetDir("") })
	return tmp
}

func TestResolveDirFlag(t *testing.T) {
	got, err := ResolveDir("/tmp/mylog")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/tmp/mylog" {
		t.Errorf("got %q, want /tmp/mylog", got)
	}
}

func TestResolveDirFlagRelative(t *testing.T) {
	got, err := ResolveDir("logs")
	if err != nil {
		t.Fatal(err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(wd, "logs")
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolveDirEnv(t *testing.T) {
	t.Setenv("SUBTITLE_LOG_PATH", "/tmp/subtitle-env-log")
	got, err := ResolveDir("")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/tmp/subtitle-env-log" {
		t.Errorf("got %q, want /tmp/subtitle-env-log", got)
	}
}

func TestResolveDirDefault(t *testing.T) {
	t.Setenv("SUBTITLE_LOG_PATH", "")
	got, err := ResolveDir("")
	if err != nil {
		t.Fatal(err)
	}
	if got == "" {
		t.Error("expected non-empty default directory")
	}
}

func TestInitCreatesFiles(t *testing.T) {
	tmp := setupLogDir(t)

	if err := Init(); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{DiagnosticsFile, TranscriptFile} {
		path := filepath.Join(tmp, name)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("%s not created: %v", name, err)
		}
	}
}

func TestTranscriptAndTranslation(t *testing.T) {
	tmp := setupLogDir(t)

	if err := Init(); err != nil {
		t.Fatal(err)
	}

	Transcript("hello world")
	Translation("你好，世界")

	data, err := os.ReadFile(filepath.Join(tmp, TranscriptFile))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), data)
	}
	// format: "2006-01-02 15:04:05\t[pid]\ttext"
	if !strings.HasSuffix(lines[0], "\thello world") {
		t.Errorf("caption line = %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], "\t"+TranslationMark+"你好，世界") {
		t.Errorf("translation line = %q", lines[1])
	}
}

func TestWritesBeforeInitAreDropped(t *testing.T) {
	setupLogDir(t)
	Transcript("nobody listening")
	Info("nobody listening")
}

func TestSetLevelFiltersDebug(t *testing.T) {
	tmp := setupLogDir(t)
	t.Cleanup(func() { SetLevel("info") })

	SetLevel("warn")
	if err := Init(); err != nil {
		t.Fatal(err)
	}
	Info("quiet info")
	Warn("loud warning")
	Close()

	data, err := os.ReadFile(filepath.Join(tmp, DiagnosticsFile))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "quiet info") {
		t.Error("info line written at warn level")
	}
	if !strings.Contains(string(data), "loud warning") {
		t.Error("warning missing")
	}
}

func TestSessionLinesAreStructured(t *testing.T) {
	tmp := setupLogDir(t)

	if err := Init(); err != nil {
		t.Fatal(err)
	}
	SessionStart("abc", "deepgram", "en", "zh-Hans")
	StreamMetrics(StreamMetricsData{Provider: "deepgram", Utterances: 3})
	Close()

	data, err := os.ReadFile(filepath.Join(tmp, DiagnosticsFile))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"session_start", "session=abc", "stream_transcription", "utterances=3"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("diagnostics missing %q:\n%s", want, data)
		}
	}
}

func TestCloseIdempotent(t *testing.T) {
	setupLogDir(t)

	if err := Init(); err != nil {
		t.Fatal(err)
	}
	Close()
	Close() // should not panic
}
