package models

import "regexp"

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$`)

// ValidSlug reports whether s is a usable organization slug: 3-64 chars,
// lowercase alphanumeric with interior hyphens.
func ValidSlug(s string) bool {
	if len(s) < 3 || len(s) > 64 {
		return false
	}
	return slugPattern.MatchString(s)
}
