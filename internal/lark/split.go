package lark

import "strings"

// DefaultTextLimit is the platform's per-message text ceiling.
const DefaultTextLimit = 4000

// sentence enders covering both Latin and CJK punctuation.
var sentenceEnders = map[rune]bool{
	'。': true, '！': true, '？': true,
	'.': true, '!': true, '?': true,
}

// Split breaks text into ordered chunks of at most maxLength runes, preferring
// semantic boundaries: paragraph break, then sentence end, then newline, then
// space — each accepted only past the midpoint — and finally a hard cut when
// the text has no usable structure. Chunks and the remainder are trimmed.
func Split(text string, maxLength int) []string {
	if maxLength <= 0 {
		maxLength = DefaultTextLimit
	}

	remaining := []rune(text)
	if len(remaining) <= maxLength {
		return []string{text}
	}

	var chunks []string
	for len(remaining) > 0 {
		if len(remaining) <= maxLength {
			chunks = append(chunks, string(remaining))
			break
		}

		splitAt := findSplitPoint(remaining, maxLength)
		if splitAt <= 0 {
			splitAt = maxLength
		}

		chunks = append(chunks, strings.TrimSpace(string(remaining[:splitAt])))
		remaining = []rune(strings.TrimSpace(string(remaining[splitAt:])))
	}

	return chunks
}

// findSplitPoint returns the index after which to cut, or -1 when no boundary
// qualifies. Boundaries before the midpoint are rejected so chunks don't
// degenerate into slivers.
func findSplitPoint(text []rune, maxLength int) int {
	mid := maxLength / 2

	if at := lastIndexRunes(text, []rune("\n\n"), maxLength); at > mid {
		return at + 2
	}

	for i := maxLength - 1; i > mid; i-- {
		if sentenceEnders[text[i]] {
			return i + 1
		}
	}

	if at := lastIndexRunes(text, []rune("\n"), maxLength); at > mid {
		return at + 1
	}

	if at := lastIndexRunes(text, []rune(" "), maxLength); at > mid {
		return at + 1
	}

	return -1
}

// lastIndexRunes finds the last occurrence of sep starting at or before the
// given position, like strings.LastIndex but over rune indices.
func lastIndexRunes(text, sep []rune, before int) int {
	if before > len(text)-len(sep) {
		before = len(text) - len(sep)
	}
	for i := before; i >= 0; i-- {
		match := true
		for j := range sep {
			if text[i+j] != sep[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
