// Package clipboard copies captions to the system clipboard.
package clipboard

import (
	"errors"
	"fmt"
	"time"

	cb "github.com/atotto/clipboard"
)

// ErrUnsupported is returned when no clipboard tool is available
// (xclip, xsel or wl-copy on Linux).
var ErrUnsupported = errors.New("no clipboard utility found")

var (
	readAll     = cb.ReadAll
	writeAll    = cb.WriteAll
	unsupported = func() bool { return cb.Unsupported }
)

func Read() (string, error) {
	if unsupported() {
		return "", ErrUnsupported
	}
	return readAll()
}

func Copy(text string) error {
	if unsupported() {
		return ErrUnsupported
	}
	return writeAll(text)
}

// Verify writes a marker, reads it back and restores the previous
// contents. Clipboard tools can hang when the compositor is not
// reachable, so the round trip is bounded by timeout.
func Verify(timeout time.Duration) (string, error) {
	type result struct {
		msg string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		prev, _ := Read()
		marker := fmt.Sprintf("subtitle-doctor-%d", time.Now().UnixNano())
		if err := Copy(marker); err != nil {
			ch <- result{err: fmt.Errorf("clipboard write failed: %w", err)}
			return
		}
		got, err := Read()
		if err != nil {
			ch <- result{err: fmt.Errorf("clipboard read failed: %w", err)}
			return
		}
		if prev != "" {
			Copy(prev)
		}
		if got != marker {
			ch <- result{err: fmt.Errorf("clipboard mismatch: wrote %q, got %q", marker, got)}
			return
		}
		ch <- result{msg: "clipboard write/read verified"}
	}()

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-time.After(timeout):
		return "", errors.New("clipboard timed out (compositor not accessible?)")
	}
}
