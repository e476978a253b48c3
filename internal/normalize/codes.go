package normalize

import (
	"regexp"
	"strings"
)

var (
	codeSpace      = regexp.MustCompile(`\s+`)
	codeDisallowed = regexp.MustCompile(`[^A-Z0-9.\-_]`)
)

// Code trims whitespace, uppercases, turns inner whitespace into '-', and
// strips anything other than letters, digits, '.', '-' and '_'.
func Code(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = codeSpace.ReplaceAllString(s, "-")
	return codeDisallowed.ReplaceAllString(s, "")
}
