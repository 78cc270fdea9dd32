// Package lang provides table-driven language detection for inbound messages.
//
// Detection is a keyword heuristic: the word lists are package data so they
// can be tuned and unit-tested without code changes.
package lang

import "strings"

// Language tags used across the dispatch pipeline.
const (
	English   = "en"
	RomanUrdu = "ur"
)

// RomanUrduMarkers is the marker-word table for romanized Urdu/Hindi. A
// message containing any of these tokens is classified as RomanUrdu.
var RomanUrduMarkers = []string{
	"kya", "hai", "hain", "nahi", "nahin", "karna", "karo", "kaise",
	"kitna", "kitne", "chahiye", "paisa", "paise", "bhai", "acha",
	"theek", "mujhe", "aap", "apka", "milega", "batao", "bata",
	"kab", "kyun", "lena", "dena", "hoga", "kar",
}

// Detect returns the language tag for the given text. Unknown or empty text
// defaults to English.
func Detect(text string) string {
	if text == "" {
		return English
	}

	for _, token := range tokenize(text) {
		if markerSet[token] {
			return RomanUrdu
		}
	}
	return English
}

// tokenize lowercases and splits on non-letter boundaries.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}

var markerSet = func() map[string]bool {
	set := make(map[string]bool, len(RomanUrduMarkers))
	for _, w := range RomanUrduMarkers {
		set[w] = true
	}
	return set
}()
