// Package tokenizer provides a fast, deterministic token-count estimate for
// live accounting during streaming. It is an approximation for budget
// enforcement, not for billing accuracy.
package tokenizer

import (
	"strings"
	"unicode"
)

// isolated punctuation that splits off into its own fragment.
const punctuation = ",.;:!?()\"'`"

// Estimate returns the approximate token count of text: whitespace-separated
// words, with each isolated punctuation character counted as its own
// fragment. Side-effect free and cheap enough to run on every delta.
func Estimate(text string) int {
	if text == "" {
		return 0
	}

	count := 0
	for _, word := range strings.FieldsFunc(text, unicode.IsSpace) {
		count += fragments(word)
	}
	return count
}

// fragments counts the pieces of one whitespace-delimited word after
// splitting on punctuation boundaries.
func fragments(word string) int {
	n := 0
	run := 0 // length of the current non-punctuation run
	for _, r := range word {
		if strings.ContainsRune(punctuation, r) {
			if run > 0 {
				n++
				run = 0
			}
			n++ // the punctuation character itself
			continue
		}
		run++
	}
	if run > 0 {
		n++
	}
	return n
}
