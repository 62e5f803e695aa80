package logutil

import "strings"

// maxLoggedLen caps how much of a client-supplied value ends up in a log line.
const maxLoggedLen = 256

// SanitizeForLog strips newlines and control characters from client-supplied
// values (repo names, session ids read off the websocket) so they cannot forge
// log entries, and truncates overly long values.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(min(len(s), maxLoggedLen))
	n := 0
	for _, r := range s {
		if n >= maxLoggedLen {
			b.WriteString("...")
			break
		}
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 0x7f:
			continue
		default:
			b.WriteRune(r)
		}
		n++
	}
	return b.String()
}
