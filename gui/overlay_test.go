package gui

import (
	"strings"
	"testing"

	"subtitle/config"
)

var work = Rect{X: 0, Y: 32, W: 1920, H: 1048}

func TestPositionDefault(t *testing.T) {
	s := NewOverlayState(config.Overlay{X: 0.5, Y: 0.12})
	x, y := s.Position(work, 800, 100)
	if x != 560 {
		t.Errorf("x = %d, want 560", x)
	}
	// bottom edge sits 12% of the height above the work area bottom
	if want := 32 + 1048 - 126 - 100; y != want {
		t.Errorf("y = %d, want %d", y, want)
	}
}

func TestPositionClampsToWorkArea(t *testing.T) {
	tests := []struct {
		name   string
		state  OverlayState
		wx, wy int
	}{
		{"left edge", OverlayState{X: 0, Y: 0.5}, Margin, 0},
		{"right edge", OverlayState{X: 1, Y: 0.5}, 1920 - 800 - Margin, 0},
		{"bottom", OverlayState{X: 0.5, Y: 0}, 560, 32 + 1048 - 100 - Margin},
		{"top", OverlayState{X: 0.5, Y: 1}, 560, 32 + Margin},
	}
	for _, tt := range tests {
		x, y := tt.state.Position(work, 800, 100)
		if x != tt.wx {
			t.Errorf("%s: x = %d, want %d", tt.name, x, tt.wx)
		}
		if tt.wy != 0 && y != tt.wy {
			t.Errorf("%s: y = %d, want %d", tt.name, y, tt.wy)
		}
	}
}

func TestMovedRoundTrip(t *testing.T) {
	s := OverlayState{X: 0.5, Y: 0.12, Draggable: true}
	moved := s.Moved(work, 200, 500, 800, 100)
	x, y := moved.Position(work, 800, 100)
	if x != 200 || y != 500 {
		t.Errorf("position after move = %d,%d; want 200,500", x, y)
	}
	if moved.Config().X == s.X {
		t.Error("ratios unchanged after move")
	}
}

func TestMovedIgnoredWhenLocked(t *testing.T) {
	s := OverlayState{X: 0.5, Y: 0.12}
	if got := s.Moved(work, 0, 0, 800, 100); got != s {
		t.Errorf("locked overlay moved: %+v", got)
	}
}

func TestNewOverlayStateClamps(t *testing.T) {
	s := NewOverlayState(config.Overlay{X: -1, Y: 3, Draggable: true})
	if s.X != 0 || s.Y != 1 || !s.Draggable {
		t.Errorf("state = %+v", s)
	}
}

func TestTail(t *testing.T) {
	if got := tail("  short  "); got != "short" {
		t.Errorf("tail = %q", got)
	}
	long := strings.Repeat("word ", 40) + "end"
	got := tail(long)
	if !strings.HasPrefix(got, "…") || !strings.HasSuffix(got, "end") {
		t.Errorf("tail = %q", got)
	}
	if n := len([]rune(got)); n > maxRunes+1 {
		t.Errorf("tail has %d runes", n)
	}
}
