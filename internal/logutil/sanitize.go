package logutil

import "strings"

// SanitizeForLog flattens caller-supplied text (session names, commands,
// host strings) onto one printable line before it reaches the log. A crafted
// value with embedded newlines could otherwise smuggle fake entries into the
// server log.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Truncate shortens s to at most n runes for log lines that echo command
// text. A truncated string ends with an ellipsis marker.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
