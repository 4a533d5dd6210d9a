package gateway

import (
	"strings"
	"unicode/utf8"
)

// DefaultMessageLimit is the longest text, in runes, the chat platforms
// accept in a single message.
const DefaultMessageLimit = 4096

// Separators tried in order when a message must be cut. The empty
// separator falls back to a hard cut on rune boundaries.
var splitSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// SplitMessage cuts text into parts of at most limit runes, preferring
// paragraph, then line, then sentence, then word boundaries. Text that
// already fits is returned as a single part. Concatenating the parts
// restores the original text.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	return splitWith(text, limit, splitSeparators)
}

func splitWith(text string, limit int, seps []string) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	sep, rest := "", []string(nil)
	for i, s := range seps {
		if s == "" || strings.Contains(text, s) {
			sep, rest = s, seps[i+1:]
			break
		}
	}
	if sep == "" {
		return cutRunes(text, limit)
	}

	var (
		parts   []string
		current strings.Builder
	)
	flush := func() {
		if current.Len() > 0 {
			parts = append(parts, current.String())
			current.Reset()
		}
	}
	for _, seg := range strings.SplitAfter(text, sep) {
		if seg == "" {
			continue
		}
		if utf8.RuneCountInString(current.String())+utf8.RuneCountInString(seg) <= limit {
			current.WriteString(seg)
			continue
		}
		flush()
		if utf8.RuneCountInString(seg) > limit {
			parts = append(parts, splitWith(seg, limit, rest)...)
			continue
		}
		current.WriteString(seg)
	}
	flush()
	return parts
}

func cutRunes(text string, n int) []string {
	runes := []rune(text)
	parts := make([]string, 0, len(runes)/n+1)
	for i := 0; i < len(runes); i += n {
		end := min(i+n, len(runes))
		parts = append(parts, string(runes[i:end]))
	}
	return parts
}
