package relay

import (
	"strings"
	"testing"
)

func TestScrollbackBuffer_Appends(t *testing.T) {
	sb := NewScrollbackBuffer(64)
	sb.Write([]byte("hello "))
	sb.Write([]byte("world"))
	if got := string(sb.Snapshot()); got != "hello world" {
		t.Errorf("got %q", got)
	}
}

func TestScrollbackBuffer_TrimsFront(t *testing.T) {
	sb := NewScrollbackBuffer(8)
	sb.Write([]byte(strings.Repeat("A", 6)))
	sb.Write([]byte("BBBB"))
	if got := string(sb.Snapshot()); got != "AAAABBBB" {
		t.Errorf("got %q", got)
	}
	if sb.Len() != 8 {
		t.Errorf("Len = %d", sb.Len())
	}
}

func TestScrollbackBuffer_DefaultSize(t *testing.T) {
	sb := NewScrollbackBuffer(0)
	if sb.maxLen != defaultScrollbackSize {
		t.Errorf("maxLen = %d", sb.maxLen)
	}
}
