package session

import (
	"regexp"
	"strings"
)

// The cooked storage path runs raw SSH output through a single filter with
// enumerated rules before it reaches the transcript. Synthesized prompt+echo
// fragments bypass the filter entirely and are stored verbatim.

var scrubRules = []*regexp.Regexp{
	// OSC sequences (window title and friends), terminated by BEL or ST
	regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`),
	// Private-mode toggles: bracketed paste (?2004), alternate screen
	// (?1049, ?47), cursor visibility and the rest of the DEC set
	regexp.MustCompile(`\x1b\[\?[0-9;]*[hl]`),
	// Cursor movement
	regexp.MustCompile(`\x1b\[[0-9;]*[ABCDEFGHf]`),
	// Line and screen clears
	regexp.MustCompile(`\x1b\[[0-9;]*[JK]`),
	// Residual prompt-export echoes from shells that saw our environment
	regexp.MustCompile(`export PS1='[^']*'`),
}

// Scrub removes control sequences and known artifacts from raw terminal
// output before cooked storage.
func Scrub(s string) string {
	for _, re := range scrubRules {
		s = re.ReplaceAllString(s, "")
	}
	s = strings.ReplaceAll(s, "\x07", "")
	s = strings.ReplaceAll(s, "null 2>&1", "")
	return stripBareCR(s)
}

// stripBareCR drops CR characters not immediately followed by LF. Lone CRs
// come from progress redraws and would smear lines in the replayed
// transcript.
func stripBareCR(s string) string {
	if !strings.Contains(s, "\r") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\r' && (i+1 >= len(s) || s[i+1] != '\n') {
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
