//go:build !gui

package main

func initGUI(*app) {
	panic("subtitle: built without GUI support (rebuild with -tags gui)")
}
