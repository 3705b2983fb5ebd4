// Package grade holds the per-grade evaluation rules and the single grade
// label normalization used across the module.
package grade

import "strings"

// Normalize extracts the grade number from a free-text label: the first run
// of digits, without leading zeros. "5th year, class A", "5º ano" and "05"
// all normalize to "5". It reports false when the label has no digits.
func Normalize(label string) (string, bool) {
	start := strings.IndexAny(label, "0123456789")
	if start < 0 {
		return "", false
	}
	end := start
	for end < len(label) && label[end] >= '0' && label[end] <= '9' {
		end++
	}
	digits := strings.TrimLeft(label[start:end], "0")
	if digits == "" {
		return "0", true
	}
	return digits, true
}
