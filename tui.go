package main

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"subtitle/caption"
	"subtitle/hotkey"
)

// TUI message types
type captionMsg struct{ snap caption.Snapshot }
type levelMsg struct{ level float64 }
type modeLineMsg struct{ text string }   // provider and language pair
type deviceLineMsg struct{ text string } // capture source name
type copiedMsg struct {
	text string
	err  error
}
type tickMsg time.Time

const (
	levelWidth = 24
	flashFor   = 2 * time.Second
)

type tuiModel struct {
	snap          caption.Snapshot
	level         float64
	width, height int
	modeLine      string
	deviceLine    string
	flash         string
	flashUntil    time.Time

	onToggle func()
	onCopy   func() (string, error)
}

var (
	tuiProgram *tea.Program
	tuiMu      sync.Mutex
)

var (
	liveStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	idleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	helpStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	helpKeyStyle   = helpStyle.Bold(true)
	originalStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	translateStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("220")).Bold(true)
	boxStyle       = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("238")).Padding(0, 1)

	lineStyles = map[caption.LineKind]lipgloss.Style{
		caption.LineOriginal:    lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		caption.LineTranslation: lipgloss.NewStyle().Foreground(lipgloss.Color("178")),
		caption.LineInfo:        lipgloss.NewStyle().Foreground(lipgloss.Color("243")),
		caption.LineWarning:     lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		caption.LineError:       lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

func newTUIModel(onToggle func(), onCopy func() (string, error)) tuiModel {
	return tuiModel{onToggle: onToggle, onCopy: onCopy}
}

func NewTUIProgram(onToggle func(), onCopy func() (string, error)) *tea.Program {
	return tea.NewProgram(newTUIModel(onToggle, onCopy), tea.WithAltScreen())
}

func tuiTick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case " ", "s":
			if m.onToggle != nil {
				go m.onToggle()
			}
		case "c":
			if m.onCopy != nil {
				copyFn := m.onCopy
				return m, func() tea.Msg {
					text, err := copyFn()
					return copiedMsg{text: text, err: err}
				}
			}
		}

	case tickMsg:
		if m.flash != "" && time.Time(msg).After(m.flashUntil) {
			m.flash = ""
		}
		return m, tuiTick()

	case captionMsg:
		m.snap = msg.snap
		if !m.snap.Running {
			m.level = 0
		}

	case levelMsg:
		if m.snap.Running {
			m.level = m.level*0.6 + msg.level*0.4
		}

	case copiedMsg:
		switch {
		case msg.err != nil:
			m.flash = "copy failed: " + msg.err.Error()
		case msg.text == "":
			m.flash = "nothing to copy"
		default:
			m.flash = "✓ copied"
		}
		m.flashUntil = time.Now().Add(flashFor)

	case modeLineMsg:
		m.modeLine = msg.text

	case deviceLineMsg:
		m.deviceLine = msg.text
	}
	return m, nil
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}
	width := max(m.width, 30)

	var head []string
	status := idleStyle.Render("○ STOPPED")
	if m.snap.Running {
		status = liveStyle.Render("● LIVE") + "  " + levelBar(m.level, levelWidth)
	}
	if m.flash != "" {
		status += "  " + dimStyle.Render(m.flash)
	}
	head = append(head, status)
	if m.modeLine != "" {
		head = append(head, dimStyle.Render(m.modeLine))
	}
	if m.deviceLine != "" {
		head = append(head, idleStyle.Render(m.deviceLine))
	}

	inner := width - 4
	original := m.snap.Original
	if original == "" {
		original = idleStyle.Render("…")
	} else {
		original = originalStyle.Width(inner).Render(original)
	}
	body := original
	if m.snap.Translated != "" {
		body += "\n" + translateStyle.Width(inner).Render(m.snap.Translated)
	}
	box := boxStyle.Width(width - 2).Render(body)

	help := helpKeyStyle.Render("space") + helpStyle.Render(" start/stop  ") +
		helpKeyStyle.Render("c") + helpStyle.Render(" copy  ") +
		helpKeyStyle.Render("q") + helpStyle.Render(" quit  ") +
		helpKeyStyle.Render(hotkey.Combo) + helpStyle.Render(" anywhere (hold to copy)") +
		"\n" + helpStyle.Render("subtitle "+version)

	used := len(head) + lipgloss.Height(box) + lipgloss.Height(help) + 2
	logLines := logTail(m.snap.Log, m.height-used, width)

	parts := []string{strings.Join(head, "\n"), box}
	if logLines != "" {
		parts = append(parts, logLines)
	}
	parts = append(parts, help)
	return strings.Join(parts, "\n")
}

// levelBar draws an RMS meter. Speech rarely exceeds 0.25 RMS, so that is
// full scale.
func levelBar(level float64, width int) string {
	filled := int(level / 0.25 * float64(width))
	filled = min(max(filled, 0), width)
	return dimStyle.Render("▕") +
		liveStyle.Render(strings.Repeat("█", filled)) +
		idleStyle.Render(strings.Repeat("░", width-filled)) +
		dimStyle.Render("▏")
}

// logTail renders the newest n log lines, each cut to width.
func logTail(lines []caption.Line, n, width int) string {
	if n <= 0 || len(lines) == 0 {
		return ""
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = lineStyles[l.Kind].Render(truncate(l.String(), width))
	}
	return strings.Join(out, "\n")
}

func truncate(s string, width int) string {
	if width <= 1 || lipgloss.Width(s) <= width {
		return s
	}
	r := []rune(s)
	for len(r) > 0 && lipgloss.Width(string(r)) > width-1 {
		r = r[:len(r)-1]
	}
	return string(r) + "…"
}

func tuiSend(msg tea.Msg) {
	tuiMu.Lock()
	p := tuiProgram
	tuiMu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

// tuiSink feeds the running program.
type tuiSink struct{}

func (tuiSink) Caption(s caption.Snapshot) { tuiSend(captionMsg{s}) }
func (tuiSink) AudioLevel(level float64)   { tuiSend(levelMsg{level}) }
func (tuiSink) ModeLine(text string)       { tuiSend(modeLineMsg{text}) }
func (tuiSink) DeviceLine(text string)     { tuiSend(deviceLineMsg{text}) }

func modeLineText(provider, source, target, translator string) string {
	return fmt.Sprintf("[%s | %s → %s | %s]", provider, source, target, translator)
}
