// Package hotkey watches the global Ctrl+Shift+Space combo that toggles
// captions.
package hotkey

type Hotkey interface {
	Register() error
	Unregister()
	Keydown() <-chan struct{}
	Keyup() <-chan struct{}
}

// Combo is the human-readable binding shown in the TUI and tray.
const Combo = "Ctrl+Shift+Space"

// send delivers a key edge without blocking the reader; a pending edge is
// enough for the consumer.
func send(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
