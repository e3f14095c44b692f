// Package locale maps application language tags to the identifiers the
// recognizers and translation backends expect.
package locale

import "strings"

type Language struct {
	Tag   string // application tag, e.g. "zh-Hans"
	Label string
}

// Supported is the set offered by the language pickers.
var Supported = []Language{
	{"en", "English"},
	{"ja", "Japanese"},
	{"zh-Hans", "Chinese (Simplified)"},
	{"zh-Hant", "Chinese (Traditional)"},
	{"ko", "Korean"},
	{"fr", "French"},
	{"de", "German"},
	{"es", "Spanish"},
	{"ru", "Russian"},
	{"it", "Italian"},
	{"pt", "Portuguese"},
}

var speechLocales = map[string]string{
	"en":      "en-US",
	"ja":      "ja-JP",
	"zh-Hans": "zh-CN",
	"zh-Hant": "zh-TW",
	"ko":      "ko-KR",
	"fr":      "fr-FR",
	"de":      "de-DE",
	"es":      "es-ES",
	"ru":      "ru-RU",
	"it":      "it-IT",
	"pt":      "pt-PT",
}

// ToSpeechLocale maps an application tag to a recognizer locale.
// Unmapped tags pass through unchanged.
func ToSpeechLocale(tag string) string {
	if l, ok := speechLocales[tag]; ok {
		return l
	}
	return tag
}

// IsSupported reports whether tag is in Supported.
func IsSupported(tag string) bool {
	for _, l := range Supported {
		if l.Tag == tag {
			return true
		}
	}
	return false
}

// Base returns the primary language subtag: "zh-CN" -> "zh".
func Base(tag string) string {
	tag = strings.ReplaceAll(tag, "_", "-")
	if i := strings.IndexByte(tag, '-'); i >= 0 {
		return strings.ToLower(tag[:i])
	}
	return strings.ToLower(tag)
}

// WordSeparator is the string placed between recognized words when
// rebuilding a transcript. Chinese and Japanese are written without spaces.
func WordSeparator(tag string) string {
	switch Base(tag) {
	case "zh", "ja":
		return ""
	}
	return " "
}

// RecognizerLanguage is the language parameter sent to the cloud
// recognizers: the base language, keeping the region only for English.
func RecognizerLanguage(locale string) string {
	if locale == "" {
		return ""
	}
	if b := Base(locale); b != "en" {
		return b
	}
	return strings.ReplaceAll(locale, "_", "-")
}
