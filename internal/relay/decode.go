package relay

import (
	"strings"
	"unicode/utf8"
)

// textDecoder turns a byte stream into text. Invalid sequences become U+FFFD;
// a multi-byte rune split across two chunks is held back until it completes.
type textDecoder struct {
	pending []byte
}

func (d *textDecoder) Decode(p []byte) string {
	buf := append(d.pending, p...)
	d.pending = nil

	// Look at most utf8.UTFMax-1 bytes back for an unfinished rune.
	for i := 1; i < utf8.UTFMax && i <= len(buf); i++ {
		b := buf[len(buf)-i]
		if !utf8.RuneStart(b) {
			continue
		}
		if !utf8.FullRune(buf[len(buf)-i:]) {
			d.pending = append([]byte(nil), buf[len(buf)-i:]...)
			buf = buf[:len(buf)-i]
		}
		break
	}
	return strings.ToValidUTF8(string(buf), "\uFFFD")
}

// Flush returns whatever is held back, replacing it as invalid.
func (d *textDecoder) Flush() string {
	if len(d.pending) == 0 {
		return ""
	}
	s := strings.ToValidUTF8(string(d.pending), "\uFFFD")
	d.pending = nil
	return s
}
