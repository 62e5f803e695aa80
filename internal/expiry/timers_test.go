package expiry

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTimers() (*Timers, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	t := NewTimers(30*time.Minute, 30*time.Minute)
	t.now = clock.Now
	return t, clock
}

func TestInit_SetsDefaultDeadline(t *testing.T) {
	timers, clock := newTestTimers()
	d := timers.Init("s1")
	if want := clock.Now().Add(30 * time.Minute); !d.Equal(want) {
		t.Fatalf("Init = %v, want %v", d, want)
	}
	got, ok := timers.Deadline("s1")
	if !ok || !got.Equal(d) {
		t.Errorf("Deadline = %v, %v", got, ok)
	}
}

func TestExtend_MissingCreatesNothing(t *testing.T) {
	timers, _ := newTestTimers()
	if _, ok := timers.Extend("ghost"); ok {
		t.Fatal("Extend of missing session reported success")
	}
	if _, ok := timers.Deadline("ghost"); ok {
		t.Fatal("Extend created a record")
	}
	if timers.Len() != 0 {
		t.Errorf("Len = %d, want 0", timers.Len())
	}
}

func TestExtend_Accumulates(t *testing.T) {
	timers, _ := newTestTimers()
	d0 := timers.Init("s1")
	d1, ok := timers.Extend("s1")
	if !ok || !d1.Equal(d0.Add(30*time.Minute)) {
		t.Fatalf("first Extend = %v, %v", d1, ok)
	}
	d2, ok := timers.Extend("s1")
	if !ok || !d2.Equal(d0.Add(60*time.Minute)) {
		t.Fatalf("second Extend = %v, want %v", d2, d0.Add(60*time.Minute))
	}
}

func TestExtend_RebasesExpiredDeadline(t *testing.T) {
	timers, clock := newTestTimers()
	timers.Init("s1")
	clock.Advance(45 * time.Minute)

	d, ok := timers.Extend("s1")
	if !ok {
		t.Fatal("Extend failed")
	}
	if want := clock.Now().Add(30 * time.Minute); !d.Equal(want) {
		t.Fatalf("Extend = %v, want %v", d, want)
	}
	if d.Before(clock.Now()) {
		t.Fatal("extended deadline is in the past")
	}
}

func TestRemove(t *testing.T) {
	timers, _ := newTestTimers()
	timers.Init("s1")
	if !timers.Remove("s1") {
		t.Fatal("Remove of armed record returned false")
	}
	if timers.Remove("s1") {
		t.Fatal("second Remove returned true")
	}
}

func TestExpired(t *testing.T) {
	timers, clock := newTestTimers()
	timers.Init("b")
	clock.Advance(10 * time.Minute)
	timers.Init("a")
	timers.Init("c")

	if got := timers.Expired(); len(got) != 0 {
		t.Fatalf("Expired too early: %v", got)
	}
	clock.Advance(20 * time.Minute)
	got := timers.Expired()
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("Expired = %v, want [b]", got)
	}
	clock.Advance(10 * time.Minute)
	got = timers.Expired()
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("Expired = %v, want [a b c]", got)
	}
}

func TestNewTimers_Defaults(t *testing.T) {
	timers := NewTimers(0, -1)
	if timers.duration != DefaultDuration || timers.extension != DefaultExtension {
		t.Errorf("defaults = %v, %v", timers.duration, timers.extension)
	}
}
