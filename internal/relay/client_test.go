package relay

import (
	"testing"
	"time"
)

func TestClient_FIFO(t *testing.T) {
	c := NewClient("c1", 8, time.Second)
	for _, s := range []string{"a", "b", "c"} {
		if !c.Deliver(OutputEvent(s)) {
			t.Fatalf("Deliver(%q) refused", s)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		ev := <-c.Events()
		if got := ev.Data.(OutputData).Output; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
}

func TestClient_SlowConsumerEvicted(t *testing.T) {
	c := NewClient("c1", 1, 20*time.Millisecond)
	if !c.Deliver(OutputEvent("fills outbox")) {
		t.Fatal("first delivery refused")
	}
	start := time.Now()
	if c.Deliver(OutputEvent("overflow")) {
		t.Fatal("delivery into full outbox succeeded")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("eviction happened before the slow-client timeout")
	}
	select {
	case <-c.Gone():
	default:
		t.Fatal("slow client not marked gone")
	}
	if c.Deliver(OutputEvent("after")) {
		t.Fatal("delivery to gone client succeeded")
	}
}

func TestClient_CloseIdempotent(t *testing.T) {
	c := NewClient("c1", 0, 0)
	c.Close()
	c.Close()
	if c.Deliver(OutputEvent("x")) {
		t.Fatal("closed client accepted event")
	}
}

func TestClient_ShutdownReason(t *testing.T) {
	c := NewClient("c1", 4, time.Second)
	c.Shutdown("bye", true)
	c.Close()
	reason, drain := c.CloseInfo()
	if reason != "bye" || !drain {
		t.Fatalf("CloseInfo = %q, %v", reason, drain)
	}
}
