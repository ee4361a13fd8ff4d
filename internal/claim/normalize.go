package claim

import (
	"strings"
	"unicode"
)

// Normalize maps raw input text to its canonical form used for comparison and
// storage: lowercase, punctuation stripped, whitespace collapsed to single
// spaces. Deterministic and total; returns "" for empty or whitespace-only
// input, which callers must treat as a normalization failure.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))

	for _, r := range strings.ToLower(raw) {
		switch {
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			// Keep intra-word apostrophes and hyphens so "don't" and
			// "well-known" compare as written.
			if r == '\'' || r == '-' {
				b.WriteRune(r)
			}
		default:
			b.WriteRune(r)
		}
	}

	words := strings.Fields(b.String())
	out := words[:0]
	for _, w := range words {
		w = strings.Trim(w, "'-")
		if w != "" {
			out = append(out, w)
		}
	}
	return strings.Join(out, " ")
}
