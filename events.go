package main

import (
	"fmt"
	"io"
	"sync"

	"subtitle/caption"
	"subtitle/log"
)

// EventSink abstracts the display layer so the Bubble Tea TUI and the
// headless mode receive the same caption updates.
type EventSink interface {
	Caption(s caption.Snapshot)
	AudioLevel(level float64)
	ModeLine(text string)
	DeviceLine(text string)
}

type nopSink struct{}

func (nopSink) Caption(caption.Snapshot) {}
func (nopSink) AudioLevel(float64)       {}
func (nopSink) ModeLine(string)          {}
func (nopSink) DeviceLine(string)        {}

// follow forwards engine snapshots to the sink until the engine stops or
// stop is closed.
func follow(e *caption.Engine, sink EventSink, stop <-chan struct{}) {
	snaps, cancel := e.Subscribe()
	defer cancel()
	for {
		select {
		case s, ok := <-snaps:
			if !ok {
				return
			}
			sink.Caption(s)
		case <-stop:
			return
		}
	}
}

// lineWriter records every finalized line in the transcript log and, in
// headless mode, echoes it to out.
type lineWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *lineWriter) setOutput(out io.Writer) {
	w.mu.Lock()
	w.out = out
	w.mu.Unlock()
}

func (w *lineWriter) write(l caption.Line) {
	switch l.Kind {
	case caption.LineOriginal:
		log.Transcript(l.Text)
	case caption.LineTranslation:
		log.Translation(l.Text)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out != nil {
		fmt.Fprintln(w.out, l.String())
	}
}

// lastCaption picks what the copy action puts on the clipboard: the live
// caption, or the most recent finalized pair once the live one is cleared.
func lastCaption(s caption.Snapshot) (original, translated string) {
	if s.Original != "" {
		return s.Original, s.Translated
	}
	for i := len(s.Log) - 1; i >= 0; i-- {
		l := s.Log[i]
		switch l.Kind {
		case caption.LineTranslation:
			if translated == "" && original == "" {
				translated = l.Text
			}
		case caption.LineOriginal:
			return l.Text, translated
		}
	}
	return "", translated
}
