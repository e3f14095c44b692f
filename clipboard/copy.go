package clipboard

import "strings"

// Format joins a caption's original and translated text the way it is
// pasted elsewhere: original first, translation on its own line.
func Format(original, translated string) string {
	original = strings.TrimSpace(original)
	translated = strings.TrimSpace(translated)
	switch {
	case original == "":
		return translated
	case translated == "" || translated == original:
		return original
	}
	return original + "\n" + translated
}

// CopyCaption puts the caption on the clipboard and returns what was
// copied. Nothing is copied for an empty caption.
func CopyCaption(original, translated string) (string, error) {
	text := Format(original, translated)
	if text == "" {
		return "", nil
	}
	return text, Copy(text)
}
