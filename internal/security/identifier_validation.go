package security

import (
	"regexp"
	"strings"
)

var identRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func IsSafeIdentifier(value string) bool {
	return identRegex.MatchString(value)
}

// IsSafeQualifiedIdentifier accepts up to maxSegments dot-separated safe identifiers.
func IsSafeQualifiedIdentifier(value string, maxSegments int) bool {
	parts := strings.Split(value, ".")
	if len(parts) == 0 || len(parts) > maxSegments {
		return false
	}
	for _, part := range parts {
		if !IsSafeIdentifier(part) {
			return false
		}
	}
	return true
}
