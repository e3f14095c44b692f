package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"subtitle/audio"
	"subtitle/log"
	"subtitle/transcriber"
	"subtitle/translate"
)

// testContext replays a WAV file and remembers the captures it hands
// out so the stdin driver can wait for the audio to finish.
type testContext struct {
	*audio.FakeContext
	mu   sync.Mutex
	last *audio.FakeCapture
	made chan struct{}
}

func (c *testContext) NewCapture(d *audio.DeviceInfo, cfg audio.CaptureConfig) (audio.CaptureDevice, error) {
	dev, err := c.FakeContext.NewCapture(d, cfg)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	first := c.last == nil
	c.last = dev.(*audio.FakeCapture)
	c.mu.Unlock()
	if first {
		close(c.made)
	}
	return dev, nil
}

func (c *testContext) audioDone() <-chan struct{} {
	<-c.made
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last.AudioDone()
}

// setupTest wires the fake audio source and a scripted recognizer.
// Translation uses the configured backend, or a fake one when none is
// configured so output is deterministic.
func (a *app) setupTest(args []string, backend *translate.Backend) error {
	if len(args) == 0 {
		return errors.New("usage: subtitle -test [-script steps.jsonl] <wav-file>")
	}
	fake, err := audio.NewFakeContext(args[0], true)
	if err != nil {
		return fmt.Errorf("loading WAV: %w", err)
	}
	a.testCtx = &testContext{FakeContext: fake, made: make(chan struct{})}
	a.ac = a.testCtx

	var steps []transcriber.Step
	if a.opts.script != "" {
		f, err := os.Open(a.opts.script)
		if err != nil {
			return fmt.Errorf("opening script: %w", err)
		}
		defer f.Close()
		if steps, err = transcriber.ParseScript(f); err != nil {
			return fmt.Errorf("parsing script: %w", err)
		}
	}
	a.rec = transcriber.NewFake(steps, nil)

	if _, ok := (*backend).(translate.Passthrough); ok && a.cfg.Translation.Backend == "" {
		*backend = &translate.Fake{}
	}
	return nil
}

// driveTest reads commands from stdin:
//
//	TOGGLE            start or stop captioning
//	WAIT_AUDIO_DONE   block until the WAV has been played
//	WAIT_STOPPED      block until the running session ends
//	SLEEP <ms>
//	LANG <src> <tgt>  switch languages
//	QUIT
func (a *app) driveTest() {
	a.runScript(os.Stdin)
	a.requestQuit()
}

func (a *app) runScript(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "TOGGLE":
			a.toggle()
		case "WAIT_AUDIO_DONE":
			if a.testCtx != nil {
				<-a.testCtx.audioDone()
			}
		case "WAIT_STOPPED":
			<-a.pipe.Done()
		case "SLEEP":
			if len(fields) > 1 {
				if ms, err := strconv.Atoi(fields[1]); err == nil {
					time.Sleep(time.Duration(ms) * time.Millisecond)
				}
			}
		case "LANG":
			if len(fields) == 3 {
				if err := a.pipe.SetLanguages(context.Background(), fields[1], fields[2]); err != nil {
					log.Warnf("test LANG: %v", err)
				}
			}
		case "QUIT":
			return
		default:
			log.Warnf("test mode: unknown command %q", fields[0])
		}
	}
}
