package gui

import (
	"math"
	"strings"

	"subtitle/config"
)

// Margin keeps the overlay off the very edge of the work area.
const Margin = 8

// Rect is a screen rectangle in pixels.
type Rect struct {
	X, Y, W, H int
}

// OverlayState is the caption window placement. X is the horizontal
// centre and Y the gap below the window, both as fractions of the work
// area, so the overlay lands in the same place on any resolution.
type OverlayState struct {
	X, Y      float64
	Draggable bool
}

func NewOverlayState(o config.Overlay) OverlayState {
	return OverlayState{X: clamp01(o.X), Y: clamp01(o.Y), Draggable: o.Draggable}
}

func (s OverlayState) Config() config.Overlay {
	return config.Overlay{X: s.X, Y: s.Y, Draggable: s.Draggable}
}

// Position returns the top-left corner for a win sized window.
func (s OverlayState) Position(work Rect, winW, winH int) (int, int) {
	x := work.X + int(math.Round(s.X*float64(work.W))) - winW/2
	y := work.Y + work.H - int(math.Round(s.Y*float64(work.H))) - winH
	return clampInt(x, work.X+Margin, work.X+work.W-winW-Margin),
		clampInt(y, work.Y+Margin, work.Y+work.H-winH-Margin)
}

// Moved derives the ratios from a window now at (x, y). The result is
// unchanged when dragging is off.
func (s OverlayState) Moved(work Rect, x, y, winW, winH int) OverlayState {
	if !s.Draggable || work.W <= 0 || work.H <= 0 {
		return s
	}
	s.X = clamp01(float64(x-work.X+winW/2) / float64(work.W))
	s.Y = clamp01(float64(work.Y+work.H-y-winH) / float64(work.H))
	return s
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// maxRunes bounds each overlay line; longer text keeps its tail so the
// newest words stay visible.
const maxRunes = 120

func tail(s string) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return "…" + strings.TrimLeft(string(r[len(r)-maxRunes:]), " ")
}
