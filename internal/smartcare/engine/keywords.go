package engine

import (
	"strings"
	"unicode/utf8"
)

// keywordSet matches reset phrases. Non-ASCII keywords match as plain substrings; ASCII keywords
// match case-insensitively and only on word boundaries, so "hi" does not fire inside "this".
type keywordSet struct {
	words []string
}

func newKeywordSet(words []string) keywordSet {
	var ks keywordSet
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		if isASCII(w) {
			w = strings.ToLower(w)
		}
		ks.words = append(ks.words, w)
	}
	return ks
}

func (ks keywordSet) match(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range ks.words {
		if !isASCII(w) {
			if strings.Contains(text, w) {
				return true
			}
			continue
		}
		if containsWord(lower, w) {
			return true
		}
	}
	return false
}

func containsWord(s, w string) bool {
	for from := 0; from <= len(s)-len(w); {
		i := strings.Index(s[from:], w)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(w)
		if boundaryBefore(s, start) && boundaryAfter(s, end) {
			return true
		}
		from = start + 1
	}
	return false
}

func boundaryBefore(s string, i int) bool {
	return i == 0 || !isWordByte(s[i-1])
}

func boundaryAfter(s string, i int) bool {
	return i == len(s) || !isWordByte(s[i])
}

// isWordByte treats ASCII letters and digits as word characters; CJK text around an
// ASCII keyword counts as a boundary.
func isWordByte(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
