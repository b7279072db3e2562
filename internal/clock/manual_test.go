package clock

import (
	"testing"
	"time"
)

func TestManualAdvanceFiresDueTimersInOrder(t *testing.T) {
	start := time.Date(2025, 5, 24, 12, 0, 0, 0, time.UTC)
	c := NewManual(start)

	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "late") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "early") })
	c.AfterFunc(10*time.Second, func() { order = append(order, "never") })

	c.Advance(5 * time.Second)

	if len(order) != 2 || order[0] != "early" || order[1] != "late" {
		t.Fatalf("unexpected firing order %v", order)
	}
	if got := c.Now(); !got.Equal(start.Add(5 * time.Second)) {
		t.Fatalf("expected now %v, got %v", start.Add(5*time.Second), got)
	}
	if c.Pending() != 1 {
		t.Fatalf("expected 1 pending timer, got %d", c.Pending())
	}
}

func TestManualStop(t *testing.T) {
	c := NewManual(time.Unix(0, 0))
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })

	if !tm.Stop() {
		t.Fatal("first Stop should report true")
	}
	if tm.Stop() {
		t.Fatal("second Stop should report false")
	}
	c.Advance(2 * time.Second)
	if fired {
		t.Fatal("stopped timer fired")
	}
	if c.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", c.Pending())
	}
}

func TestManualZeroDelayFiresImmediately(t *testing.T) {
	c := NewManual(time.Unix(0, 0))
	done := make(chan struct{})
	c.AfterFunc(0, func() { close(done) })
	if c.Pending() != 0 {
		t.Fatalf("zero-delay timer must not wait for Advance, %d pending", c.Pending())
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("zero-delay timer did not fire")
	}
}
