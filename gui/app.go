//go:build gui

package gui

import (
	"context"
	"sync"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/driver/desktop"
	"fyne.io/fyne/v2/theme"
	"fyne.io/fyne/v2/widget"
	"github.com/go-gl/glfw/v3.3/glfw"

	"subtitle/caption"
	"subtitle/config"
	"subtitle/log"
)

const (
	overlayWidth  = 820
	overlayHeight = 110
)

// Controller starts and stops captioning from the tray menu.
type Controller interface {
	Running() bool
	Toggle(ctx context.Context) error
}

type Options struct {
	Engine     *caption.Engine
	Controller Controller
	Overlay    config.Overlay
	// OnCopy copies the current caption; nil hides the menu entry.
	OnCopy func()
	// OnMove persists the overlay after a drag or a drag toggle.
	OnMove func(config.Overlay)
}

type App struct {
	opts     Options
	onReady  func()
	fyneApp  fyne.App
	window   fyne.Window
	original *widget.Label
	trans    *widget.Label
	toggle   *fyne.MenuItem
	drag     *fyne.MenuItem
	menu     *fyne.Menu
	work     Rect

	mu      sync.Mutex
	state   OverlayState
	visible bool
}

func NewApp(opts Options, onReady func()) *App {
	return &App{
		opts:    opts,
		onReady: onReady,
		state:   NewOverlayState(opts.Overlay),
	}
}

func Run(a *App) error {
	a.fyneApp = app.NewWithID("io.subtitle.overlay")
	a.fyneApp.Settings().SetTheme(&overlayTheme{})

	a.setupTray()

	monitor := glfw.GetPrimaryMonitor()
	if monitor != nil {
		a.work.X, a.work.Y, a.work.W, a.work.H = monitor.GetWorkarea()
	} else {
		a.work = Rect{W: 1920, H: 1080}
	}

	if drv, ok := a.fyneApp.Driver().(desktop.Driver); ok {
		a.window = drv.CreateSplashWindow()
	} else {
		a.window = a.fyneApp.NewWindow("subtitle")
	}

	a.original = widget.NewLabel("")
	a.original.Alignment = fyne.TextAlignCenter
	a.original.Wrapping = fyne.TextWrapWord
	a.trans = widget.NewLabel("")
	a.trans.Alignment = fyne.TextAlignCenter
	a.trans.Wrapping = fyne.TextWrapWord
	a.trans.TextStyle = fyne.TextStyle{Bold: true}
	a.trans.Importance = widget.WarningImportance

	bg := canvas.NewRectangle(overlayBackground)
	bg.CornerRadius = 10
	content := container.NewStack(bg, container.NewVBox(a.original, a.trans))

	a.window.SetContent(newDragSurface(content, a.dragged, a.dragEnd))
	a.window.SetFixedSize(true)
	a.window.SetPadded(false)
	a.window.Resize(fyne.NewSize(overlayWidth, overlayHeight))

	if a.opts.Engine != nil {
		go a.follow(a.opts.Engine)
	}
	go a.onReady()

	// window stays hidden until captions start
	a.fyneApp.Run()
	return nil
}

func (a *App) setupTray() {
	desk, ok := a.fyneApp.(desktop.App)
	if !ok {
		return
	}
	a.toggle = fyne.NewMenuItem("Start captions", func() {
		if a.opts.Controller == nil {
			return
		}
		go func() {
			if err := a.opts.Controller.Toggle(context.Background()); err != nil {
				log.Warnf("overlay toggle: %v", err)
			}
		}()
	})
	a.drag = fyne.NewMenuItem("Move overlay", a.toggleDrag)
	a.mu.Lock()
	a.drag.Checked = a.state.Draggable
	a.mu.Unlock()

	items := []*fyne.MenuItem{a.toggle}
	if a.opts.OnCopy != nil {
		items = append(items, fyne.NewMenuItem("Copy caption", a.opts.OnCopy))
	}
	items = append(items, a.drag, fyne.NewMenuItemSeparator(),
		fyne.NewMenuItem("Quit", func() { a.fyneApp.Quit() }))

	a.menu = fyne.NewMenu("subtitle", items...)
	desk.SetSystemTrayMenu(a.menu)
	desk.SetSystemTrayIcon(theme.MediaRecordIcon())
}

func (a *App) toggleDrag() {
	a.mu.Lock()
	a.state.Draggable = !a.state.Draggable
	cfg := a.state.Config()
	a.drag.Checked = a.state.Draggable
	a.mu.Unlock()
	a.menu.Refresh()
	if a.opts.OnMove != nil {
		a.opts.OnMove(cfg)
	}
}

// follow mirrors engine snapshots into the labels.
func (a *App) follow(e *caption.Engine) {
	snaps, cancel := e.Subscribe()
	defer cancel()
	running := false
	for snap := range snaps {
		changed := snap.Running != running
		fyne.Do(func() {
			a.original.SetText(tail(snap.Original))
			a.trans.SetText(tail(snap.Translated))
			if a.toggle != nil && changed {
				if snap.Running {
					a.toggle.Label = "Stop captions"
				} else {
					a.toggle.Label = "Start captions"
				}
				a.menu.Refresh()
			}
		})
		if changed {
			running = snap.Running
			if running {
				a.Show()
			} else {
				a.Hide()
			}
		}
	}
}

func (a *App) pixelSize() (int, int) {
	scale := a.window.Canvas().Scale()
	return int(overlayWidth * scale), int(overlayHeight * scale)
}

func (a *App) Show() {
	fyne.Do(func() {
		if a.window == nil {
			return
		}
		a.mu.Lock()
		a.visible = true
		state := a.state
		a.mu.Unlock()

		if glfwWin := glfw.GetCurrentContext(); glfwWin != nil {
			w, h := a.pixelSize()
			glfwWin.SetPos(state.Position(a.work, w, h))
			glfwWin.SetAttrib(glfw.FocusOnShow, glfw.False)
			glfwWin.SetAttrib(glfw.Floating, glfw.True)
			glfwWin.Show()
			return
		}
		a.window.Show()
	})
}

func (a *App) Hide() {
	fyne.Do(func() {
		a.mu.Lock()
		a.visible = false
		a.mu.Unlock()
		if a.window != nil {
			a.window.Hide()
		}
	})
}

func (a *App) Quit() {
	if a.fyneApp != nil {
		a.fyneApp.Quit()
	}
}

func (a *App) dragged(d fyne.Delta) {
	a.mu.Lock()
	ok := a.state.Draggable && a.visible
	a.mu.Unlock()
	if !ok {
		return
	}
	glfwWin := glfw.GetCurrentContext()
	if glfwWin == nil {
		return
	}
	scale := a.window.Canvas().Scale()
	x, y := glfwWin.GetPos()
	glfwWin.SetPos(x+int(d.DX*scale), y+int(d.DY*scale))
}

func (a *App) dragEnd() {
	glfwWin := glfw.GetCurrentContext()
	if glfwWin == nil {
		return
	}
	x, y := glfwWin.GetPos()
	w, h := a.pixelSize()

	a.mu.Lock()
	before := a.state
	a.state = a.state.Moved(a.work, x, y, w, h)
	after := a.state
	a.mu.Unlock()

	if after != before && a.opts.OnMove != nil {
		a.opts.OnMove(after.Config())
	}
}

// dragSurface forwards pointer drags on the whole overlay.
type dragSurface struct {
	widget.BaseWidget
	content fyne.CanvasObject
	onDrag  func(fyne.Delta)
	onEnd   func()
}

func newDragSurface(content fyne.CanvasObject, onDrag func(fyne.Delta), onEnd func()) *dragSurface {
	d := &dragSurface{content: content, onDrag: onDrag, onEnd: onEnd}
	d.ExtendBaseWidget(d)
	return d
}

func (d *dragSurface) CreateRenderer() fyne.WidgetRenderer {
	return widget.NewSimpleRenderer(d.content)
}

func (d *dragSurface) Dragged(e *fyne.DragEvent) { d.onDrag(e.Dragged) }

func (d *dragSurface) DragEnd() { d.onEnd() }
