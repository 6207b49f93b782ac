package core

import "strings"

// DefaultLanguage is used for unrecognised language input.
const DefaultLanguage = "en"

var languageCodes = map[string]string{
	"english":   "en",
	"en":        "en",
	"hindi":     "hi",
	"hi":        "hi",
	"marathi":   "mr",
	"mr":        "mr",
	"tamil":     "ta",
	"ta":        "ta",
	"telugu":    "te",
	"te":        "te",
	"bengali":   "bn",
	"bn":        "bn",
	"gujarati":  "gu",
	"gu":        "gu",
	"kannada":   "kn",
	"kn":        "kn",
	"malayalam": "ml",
	"ml":        "ml",
	"punjabi":   "pa",
	"pa":        "pa",
	"oriya":     "or",
	"odia":      "or",
	"or":        "or",
	"urdu":      "ur",
	"ur":        "ur",
}

// NormalizeLanguage maps a language name or code to its two-letter code.
func NormalizeLanguage(name string) string {
	if code, ok := languageCodes[strings.ToLower(strings.TrimSpace(name))]; ok {
		return code
	}
	return DefaultLanguage
}
