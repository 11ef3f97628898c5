package reconcile

import (
	"strings"
	"unicode"
)

// Normalize folds a free-text level label into its canonical key: lower case with
// every character that is not a letter or digit removed.
func Normalize(label string) string {
	var b strings.Builder
	b.Grow(len(label))
	for _, r := range strings.ToLower(label) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SameLevel reports whether two labels name the same level.
func SameLevel(a, b string) bool {
	na := Normalize(a)
	return na != "" && na == Normalize(b)
}

// LabelContains reports whether a label contains the level token once both are normalised.
// Only used for rows that have not been given a level key yet.
func LabelContains(label, token string) bool {
	nt := Normalize(token)
	return nt != "" && strings.Contains(Normalize(label), nt)
}

// NextLevel returns the level following current in the ordered list. The boolean is false
// when current is the last level (or unknown), in which case the student graduates.
func NextLevel(levels []string, current string) (string, bool) {
	for i, level := range levels {
		if !SameLevel(level, current) {
			continue
		}
		if i+1 < len(levels) {
			return levels[i+1], true
		}
		return "", false
	}
	return "", false
}

// ResolveLevel maps a free-text label onto one of the program's configured levels.
// Exact key matches win over the contains fallback; ambiguous fallbacks resolve to nothing.
func ResolveLevel(levels []string, label string) (string, bool) {
	for _, level := range levels {
		if SameLevel(level, label) {
			return level, true
		}
	}
	var found string
	matches := 0
	for _, level := range levels {
		if LabelContains(label, level) {
			found = level
			matches++
		}
	}
	if matches == 1 {
		return found, true
	}
	return "", false
}
