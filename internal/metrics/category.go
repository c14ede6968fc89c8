package metrics

import (
	"regexp"
	"strings"
)

// UnknownCategory collects samples whose category is malformed or arrives
// after the category cap is reached.
const UnknownCategory = "unknown"

// MaxCategoryLength bounds a category name in bytes.
const MaxCategoryLength = 64

var categoryPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// NormalizeCategory trims and lowercases raw. Anything that is empty, longer
// than MaxCategoryLength or outside [a-z0-9._-] becomes UnknownCategory.
func NormalizeCategory(raw string) string {
	c := strings.ToLower(strings.TrimSpace(raw))
	if len(c) == 0 || len(c) > MaxCategoryLength || !categoryPattern.MatchString(c) {
		return UnknownCategory
	}
	return c
}
