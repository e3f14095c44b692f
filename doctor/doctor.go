// Package doctor runs the -doctor self checks: capture source,
// recognizer credentials, translation round trip, clipboard and hotkey.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"subtitle/audio"
	"subtitle/clipboard"
	"subtitle/hotkey"
	"subtitle/locale"
	"subtitle/transcriber"
	"subtitle/translate"
)

// errSkipped marks a check that could not run; it does not fail the run.
var errSkipped = errors.New("skipped")

type Check struct {
	Name string
	Run  func(ctx context.Context) (string, error)
}

type Deps struct {
	OpenAudio  func() (audio.Context, error)
	Device     string
	Listen     time.Duration
	Recognizer transcriber.Transcriber
	Translator translate.Backend
	Source     string
	Target     string
	Clipboard  bool
	Hotkey     bool
}

func Checks(d Deps) []Check {
	checks := []Check{
		{"Capture source", func(ctx context.Context) (string, error) { return checkCapture(ctx, d) }},
		{"Recognizer", func(ctx context.Context) (string, error) { return checkRecognizer(ctx, d) }},
		{"Translation", func(ctx context.Context) (string, error) { return checkTranslation(ctx, d) }},
	}
	if d.Clipboard {
		checks = append(checks, Check{"Clipboard", func(context.Context) (string, error) {
			return clipboard.Verify(3 * time.Second)
		}})
	}
	if d.Hotkey {
		checks = append(checks, Check{"Global hotkey", func(context.Context) (string, error) {
			return hotkey.Diagnose()
		}})
	}
	return checks
}

// Run executes checks in order and returns an exit code (0=all pass, 1=any fail).
func Run(ctx context.Context, w io.Writer, checks []Check) int {
	resetTerminal()

	fmt.Fprintln(w, "subtitle doctor - system diagnostics")
	fmt.Fprintln(w, "====================================")

	allPass := true
	for i, c := range checks {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "[%d/%d] %s\n", i+1, len(checks), c.Name)
		msg, err := c.Run(ctx)
		switch {
		case errors.Is(err, errSkipped):
			fmt.Fprintf(w, "  SKIP: %s\n", msg)
		case err != nil:
			allPass = false
			fmt.Fprintf(w, "  FAIL: %v\n", err)
			if msg != "" {
				fmt.Fprintf(w, "  %s\n", msg)
			}
		default:
			fmt.Fprintf(w, "  PASS: %s\n", msg)
		}
	}

	fmt.Fprintln(w)
	if allPass {
		fmt.Fprintln(w, "All checks passed!")
		return 0
	}
	fmt.Fprintln(w, "Some checks failed. See details above.")
	return 1
}

func checkCapture(ctx context.Context, d Deps) (string, error) {
	if d.OpenAudio == nil {
		return "no audio backend", errSkipped
	}
	ac, err := d.OpenAudio()
	if err != nil {
		return "", fmt.Errorf("cannot connect to audio: %w", err)
	}
	defer ac.Close()

	var device *audio.DeviceInfo
	if d.Device != "" {
		if device, err = audio.FindDevice(ac, d.Device); err != nil {
			return "", err
		}
	} else {
		devices, err := ac.Devices()
		if err != nil {
			return "", fmt.Errorf("cannot list devices: %w", err)
		}
		for i := range devices {
			if audio.IsOutputMonitor(devices[i]) {
				device = &devices[i]
				break
			}
		}
		if device == nil {
			return "enable a loopback device (BlackHole on macOS, a PulseAudio monitor on Linux)",
				errors.New("no output monitor device found")
		}
	}

	listen := d.Listen
	if listen <= 0 {
		listen = time.Second
	}
	frames, peak, err := record(ctx, ac, device, listen)
	if err != nil {
		return "", fmt.Errorf("capture from %s: %w", device.Name, err)
	}
	if frames == 0 {
		return "", fmt.Errorf("no audio frames from %s", device.Name)
	}
	msg := fmt.Sprintf("%s delivered %d frames", device.Name, frames)
	if peak == 0 {
		msg += " (silent; play something to hear captions)"
	}
	return msg, nil
}

func record(ctx context.Context, ac audio.Context, device *audio.DeviceInfo, d time.Duration) (frames int, peak int16, err error) {
	capture, err := ac.NewCapture(device, audio.DefaultCaptureConfig())
	if err != nil {
		return 0, 0, err
	}
	defer capture.Close()

	var mu sync.Mutex
	capture.SetCallback(func(f audio.Frame) {
		mu.Lock()
		defer mu.Unlock()
		frames += int(f.Frames)
		for i := 0; i+1 < len(f.PCM); i += 2 {
			s := int16(f.PCM[i]) | int16(f.PCM[i+1])<<8
			if s < 0 {
				s = -s
			}
			if s > peak {
				peak = s
			}
		}
	})
	if err := capture.Start(); err != nil {
		return 0, 0, err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case err = <-capture.Errors():
	case <-ctx.Done():
		err = ctx.Err()
	}
	capture.Stop()
	capture.ClearCallback()

	mu.Lock()
	defer mu.Unlock()
	return frames, peak, err
}

func checkRecognizer(ctx context.Context, d Deps) (string, error) {
	if d.Recognizer == nil {
		return "no recognizer configured (set DEEPGRAM_API_KEY or GROQ_API_KEY)", errSkipped
	}
	if !locale.IsSupported(d.Source) {
		return "", fmt.Errorf("source language %q is not supported", d.Source)
	}
	speech := locale.ToSpeechLocale(d.Source)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := d.Recognizer.Authorize(ctx); err != nil {
		return "check the API key", err
	}
	return fmt.Sprintf("%s accepted credentials (%s)", d.Recognizer.Name(), speech), nil
}

func checkTranslation(ctx context.Context, d Deps) (string, error) {
	if d.Translator == nil {
		return "no translation backend", errSkipped
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	avail, err := d.Translator.Status(ctx, d.Source, d.Target)
	if err != nil {
		return "", fmt.Errorf("%s status: %w", d.Translator.Name(), err)
	}
	if avail == translate.Unsupported {
		return fmt.Sprintf("%s cannot translate %s to %s; captions will show the original only",
			d.Translator.Name(), d.Source, d.Target), errSkipped
	}

	sess := d.Translator.NewSession(d.Source, d.Target)
	if err := sess.Prepare(ctx); err != nil {
		return "", fmt.Errorf("prepare: %w", err)
	}
	out, err := sess.Translate(ctx, "Hello, world.")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", errors.New("empty translation")
	}
	return fmt.Sprintf("%s %s>%s (%s): %q", d.Translator.Name(), d.Source, d.Target, avail, out), nil
}
