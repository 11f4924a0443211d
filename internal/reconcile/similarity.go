package reconcile

import (
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
)

// ContentDiffPercent measures how far the live text drifted from the brief:
// Levenshtein distance over the longer string's rune length, as a
// percentage. Identical strings give 0; fully disjoint equal-length
// strings approach 100.
func ContentDiffPercent(brief, live string) float64 {
	a := normalizeContent(brief)
	b := normalizeContent(live)
	if a == b {
		return 0
	}

	longer := len([]rune(a))
	if l := len([]rune(b)); l > longer {
		longer = l
	}
	if longer == 0 {
		return 0
	}

	dist := levenshtein.ComputeDistance(a, b)
	return float64(dist) / float64(longer) * 100
}

// normalizeContent collapses whitespace runs so formatting-only edits
// (Telegram re-wraps long posts) do not count as drift.
func normalizeContent(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteRune(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}
