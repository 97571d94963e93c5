// Package tokens counts text in coarse units. A unit is one
// whitespace-delimited word, used as a proxy for LLM context
// consumption throughout the gateway.
package tokens

import (
	"strings"
	"unicode"
)

// Count returns the number of units in s.
func Count(s string) int {
	return len(strings.Fields(s))
}

// Tail returns the suffix of s holding at most n units, preserving the
// original spacing of the retained text.
func Tail(s string, n int) string {
	if n <= 0 {
		return ""
	}

	// Walk backwards counting word starts; stop at the nth.
	inWord := false
	words := 0
	start := 0
	for i := len(s) - 1; i >= 0; i-- {
		space := unicode.IsSpace(rune(s[i]))
		if !space && !inWord {
			inWord = true
		} else if space && inWord {
			inWord = false
			words++
			if words == n {
				start = i + 1
				break
			}
		}
	}
	if words < n {
		if inWord {
			words++
		}
		if words < n {
			start = 0
		}
	}

	return strings.TrimLeft(s[start:], " \t\n\r")
}
