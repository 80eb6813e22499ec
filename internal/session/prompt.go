package session

import (
	"fmt"
	"strings"
)

// The remote shell never emits a prompt: commands run through discrete exec
// invocations, so the prompt a viewer sees is synthesized locally from the
// session's connection metadata and cached working directory.

// FormatPrompt returns the literal prompt string for a session positioned in
// dir, in the form "[user@host dir]$ ".
func FormatPrompt(username, host, dir string) string {
	return fmt.Sprintf("[%s@%s %s]$ ", username, host, dir)
}

// DisplayDir rewrites paths under the user's home directory to ~-relative
// form. "/" stays as "/"; any other absolute path is unchanged.
func DisplayDir(path, username string) string {
	if path == "" {
		return "~"
	}
	if path == "/" {
		return "/"
	}
	home := "/home/" + username
	if path == home {
		return "~"
	}
	if strings.HasPrefix(path, home+"/") {
		return "~" + strings.TrimPrefix(path, home)
	}
	return path
}

// IsDirChanging reports whether a completed command may have moved the
// working directory, invalidating the cached value.
func IsDirChanging(command string) bool {
	trimmed := strings.TrimSpace(command)
	switch {
	case trimmed == "cd", trimmed == "popd":
		return true
	case strings.HasPrefix(trimmed, "cd "), strings.HasPrefix(trimmed, "pushd "):
		return true
	case strings.Contains(command, "cd;"), strings.Contains(command, "cd&&"):
		return true
	}
	return false
}

// AssembleEcho builds the single raw fragment representing one completed
// command turn: the synthesized prompt, the echoed command, and the
// CRLF-normalized output. This is the sole representation a browser viewer
// sees of the turn, and it is stored verbatim (the scrubber never touches
// it).
func AssembleEcho(prompt, command, output string) string {
	return prompt + command + "\r\n" + NormalizeCRLF(output)
}

// NormalizeCRLF converts any LF not preceded by CR into CRLF so terminal
// emulators render line starts at column zero.
func NormalizeCRLF(s string) string {
	if !strings.Contains(s, "\n") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 16)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\n' && (i == 0 || s[i-1] != '\r') {
			b.WriteByte('\r')
		}
		b.WriteByte(c)
	}
	return b.String()
}
