package hotkey

import "time"

type Action int

const (
	ActionToggle Action = iota // tap: start or stop captions
	ActionCopy                 // hold: copy the last caption
)

func (a Action) String() string {
	if a == ActionCopy {
		return "copy"
	}
	return "toggle"
}

// Actions turns raw key edges into actions. A press released before
// longPress is a tap; a longer hold fires ActionCopy as soon as the
// threshold passes.
type Actions struct {
	ch   chan Action
	stop chan struct{}
}

func NewActions(hk Hotkey, longPress time.Duration) *Actions {
	a := &Actions{
		ch:   make(chan Action, 1),
		stop: make(chan struct{}),
	}
	go a.run(hk, longPress)
	return a
}

func (a *Actions) C() <-chan Action { return a.ch }

func (a *Actions) Close() { close(a.stop) }

func (a *Actions) emit(act Action) {
	select {
	case a.ch <- act:
	default:
	}
}

func (a *Actions) run(hk Hotkey, longPress time.Duration) {
	for {
		select {
		case <-hk.Keydown():
		case <-a.stop:
			return
		}

		timer := time.NewTimer(longPress)
		select {
		case <-hk.Keyup():
			timer.Stop()
			a.emit(ActionToggle)
		case <-timer.C:
			a.emit(ActionCopy)
			select {
			case <-hk.Keyup():
			case <-a.stop:
				return
			}
		case <-a.stop:
			timer.Stop()
			return
		}
	}
}
