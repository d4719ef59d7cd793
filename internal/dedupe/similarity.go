package dedupe

import (
	"strings"
	"unicode"
)

// titleTokens normalizes a title into its comparison token set. Tokens
// shorter than three runes carry too little signal and are dropped.
func titleTokens(title string) map[string]struct{} {
	normalized := normalizeText(title)
	parts := strings.Fields(normalized)
	if len(parts) == 0 {
		return nil
	}
	tokens := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		if len(p) < 3 {
			continue
		}
		tokens[p] = struct{}{}
	}
	if len(tokens) == 0 {
		return nil
	}
	return tokens
}

func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(' ')
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
