//go:build gui

package gui

import (
	"image/color"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/theme"
)

var overlayBackground = color.NRGBA{R: 12, G: 12, B: 12, A: 200}

type overlayTheme struct{}

func (t *overlayTheme) Color(name fyne.ThemeColorName, variant fyne.ThemeVariant) color.Color {
	switch name {
	case theme.ColorNameBackground:
		return color.Transparent
	case theme.ColorNameForeground:
		return color.RGBA{235, 235, 235, 255}
	case theme.ColorNameWarning:
		return color.RGBA{255, 215, 0, 255}
	}
	return theme.DefaultTheme().Color(name, theme.VariantDark)
}

func (t *overlayTheme) Font(style fyne.TextStyle) fyne.Resource {
	return theme.DefaultTheme().Font(style)
}

func (t *overlayTheme) Icon(name fyne.ThemeIconName) fyne.Resource {
	return theme.DefaultTheme().Icon(name)
}

func (t *overlayTheme) Size(name fyne.ThemeSizeName) float32 {
	if name == theme.SizeNameText {
		return 18
	}
	return theme.DefaultTheme().Size(name)
}
