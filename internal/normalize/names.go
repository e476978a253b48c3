package normalize

import (
	"regexp"
	"strings"
)

var multiSpace = regexp.MustCompile(`\s+`)

// Text collapses whitespace and trims the input, preserving case.
func Text(s string) string {
	return strings.TrimSpace(multiSpace.ReplaceAllString(s, " "))
}
