//go:build !linux

package main

import (
	"os"
	"runtime"

	"golang.design/x/hotkey/mainthread"
)

func init() {
	runtime.LockOSThread()
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-gui" || arg == "--gui" {
			guiMode = true
		}
	}
	a := setup()
	if guiMode {
		initGUI(a) // takes main thread, calls run() in goroutine
		return
	}
	mainthread.Init(a.run)
}
