// Package routing matches queue names against topic patterns.
package routing

import "strings"

const (
	wordWildcard  = "*"
	multiWildcard = "#"
	separator     = "."
)

// Match reports whether name is selected by pattern.
//
// A pattern without wildcards is a prefix: "orders" matches "orders",
// "orders.eu" and "orders-archive". A pattern containing "*" or "#" is split
// on dots and matched word by word, where "*" matches exactly one word and
// "#" matches zero or more words ("orders.*" matches "orders.eu" but not
// "orders" or "orders.eu.paid"; "orders.#" matches all three).
func Match(pattern, name string) bool {
	if !HasWildcards(pattern) {
		return strings.HasPrefix(name, pattern)
	}
	return matchWords(strings.Split(pattern, separator), strings.Split(name, separator))
}

// HasWildcards reports whether pattern uses word matching.
func HasWildcards(pattern string) bool {
	return strings.Contains(pattern, wordWildcard) || strings.Contains(pattern, multiWildcard)
}

func matchWords(pattern, words []string) bool {
	for len(pattern) > 0 {
		head := pattern[0]
		if head == multiWildcard {
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(words); i++ {
				if matchWords(rest, words[i:]) {
					return true
				}
			}
			return false
		}

		if len(words) == 0 {
			return false
		}
		if head != wordWildcard && head != words[0] {
			return false
		}
		pattern, words = pattern[1:], words[1:]
	}
	return len(words) == 0
}
