//go:build linux

package main

import "os"

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-gui" || arg == "--gui" {
			guiMode = true
		}
	}
	a := setup()
	if guiMode {
		initGUI(a)
		return
	}
	a.run()
}
