//go:build gui

package main

import (
	"runtime"

	"subtitle/gui"
	"subtitle/log"
)

func initGUI(a *app) {
	// Fyne and GLFW need the main thread
	runtime.LockOSThread()

	ran := make(chan struct{})
	var guiApp *gui.App
	guiApp = gui.NewApp(gui.Options{
		Engine:     a.engine,
		Controller: a.pipe,
		Overlay:    a.cfg.Overlay,
		OnCopy:     func() { a.copyCaption() },
		OnMove:     a.saveOverlay,
	}, func() {
		defer close(ran)
		a.run()
		guiApp.Quit()
	})
	if err := gui.Run(guiApp); err != nil {
		log.Errorf("gui: %v", err)
		panic(err)
	}
	a.requestQuit()
	<-ran
}
