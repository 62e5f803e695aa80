package relay

import "sync"

// defaultScrollbackSize is the default scrollback retained per session (256 KB).
const defaultScrollbackSize = 256 * 1024

// ScrollbackBuffer keeps the most recent terminal output of a session so a
// rejoining client can be shown what it missed. Older bytes are trimmed from
// the front once maxLen is exceeded.
type ScrollbackBuffer struct {
	mu     sync.Mutex
	data   []byte
	maxLen int
}

// NewScrollbackBuffer creates a buffer holding at most maxLen bytes.
// If maxLen <= 0, defaultScrollbackSize is used.
func NewScrollbackBuffer(maxLen int) *ScrollbackBuffer {
	if maxLen <= 0 {
		maxLen = defaultScrollbackSize
	}
	return &ScrollbackBuffer{maxLen: maxLen}
}

// Write appends p, trimming from the front if needed.
func (s *ScrollbackBuffer) Write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, p...)
	if len(s.data) > s.maxLen {
		s.data = append(s.data[:0], s.data[len(s.data)-s.maxLen:]...)
	}
}

// Snapshot returns a copy of the current contents.
func (s *ScrollbackBuffer) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

// Len returns the number of buffered bytes.
func (s *ScrollbackBuffer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
