package vad

import "time"

const (
	TickInterval     = 100 * time.Millisecond
	silenceWarnAfter = 8 * time.Second
	speechMinRatio   = 0.10
	speechClearRatio = 0.25 // higher threshold to clear warning (hysteresis)
)

type Event int

const (
	None      Event = iota
	Warn            // no speech in the captured output
	WarnClear       // speech resumed after warning
)

// Monitor turns per-tick speech flags into warn/clear transitions over a
// sliding window.
type Monitor struct {
	windowSz int
	ticks    int
	window   []bool
	warned   bool
}

func NewMonitor() *Monitor {
	n := int(silenceWarnAfter / TickInterval)
	return &Monitor{windowSz: n, window: make([]bool, n)}
}

func (m *Monitor) ratio() float64 {
	n := min(m.ticks, m.windowSz)
	if n == 0 {
		return 1.0
	}
	count := 0
	for i := 0; i < n; i++ {
		if m.window[(m.ticks-1-i+m.windowSz)%m.windowSz] {
			count++
		}
	}
	return float64(count) / float64(n)
}

func (m *Monitor) Tick(hasSpeech bool) Event {
	m.window[m.ticks%m.windowSz] = hasSpeech
	m.ticks++

	r := m.ratio()
	if m.ticks >= m.windowSz && r < speechMinRatio && !m.warned {
		m.warned = true
		return Warn
	}
	if m.warned && r >= speechClearRatio {
		m.warned = false
		return WarnClear
	}
	return None
}

func (m *Monitor) Warned() bool { return m.warned }
