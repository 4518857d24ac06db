package util

import (
	"html"
	"strings"
	"unicode/utf8"
)

const maxFieldLength = 256

// SanitizeInput trims, escapes HTML/script-like characters and caps the length
// of free-text values supplied by clients (device names, user agents).
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > maxFieldLength {
		s = string([]rune(s)[:maxFieldLength])
	}
	return html.EscapeString(s)
}

// ContainsSuspicious reports markup or template fragments in client input.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, c := range []string{"<", ">", "${", "{{", "script", "onerror", "onload"} {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}
