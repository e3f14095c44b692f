package vad

import "testing"

func feedN(m *Monitor, speech bool, n int) Event {
	var last Event
	for i := 0; i < n; i++ {
		last = m.Tick(speech)
	}
	return last
}

func TestWarnAfter8s(t *testing.T) {
	m := NewMonitor()
	for i := 0; i < 79; i++ {
		if ev := m.Tick(false); ev != None {
			t.Fatalf("unexpected event at tick %d: %d", i, ev)
		}
	}
	if ev := m.Tick(false); ev != Warn {
		t.Fatalf("expected Warn at tick 80, got %d", ev)
	}
	if !m.Warned() {
		t.Error("Warned() should be true")
	}
}

func TestWarnOnlyOnce(t *testing.T) {
	m := NewMonitor()
	feedN(m, false, 80)
	if ev := feedN(m, false, 200); ev != None {
		t.Errorf("expected no repeat, got %d", ev)
	}
}

func TestWarnClearsOnSpeech(t *testing.T) {
	m := NewMonitor()
	feedN(m, false, 80)
	for i := 0; i < 80; i++ {
		if m.Tick(true) == WarnClear {
			return
		}
	}
	t.Fatal("expected WarnClear after speech")
}

func TestNoWarnDuringSpeech(t *testing.T) {
	m := NewMonitor()
	for i := 0; i < 300; i++ {
		if ev := m.Tick(i%3 == 0); ev != None {
			t.Fatalf("unexpected event %d at tick %d", ev, i)
		}
	}
}
