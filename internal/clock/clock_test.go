package clock

import (
	"testing"
	"time"
)

func TestFake_AdvanceFiresDueTimers(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var order []string
	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	c.AfterFunc(time.Second, func() { order = append(order, "a") })
	c.AfterFunc(time.Minute, func() { order = append(order, "late") })

	c.Advance(3 * time.Second)

	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("fired = %v, want [a b]", order)
	}
	if c.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", c.Pending())
	}
	if got := c.Now(); !got.Equal(start.Add(3 * time.Second)) {
		t.Errorf("Now() = %v", got)
	}
}

func TestFake_StoppedTimerDoesNotFire(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("Stop() should report true for an armed timer")
	}
	if timer.Stop() {
		t.Error("second Stop() should report false")
	}
	c.Advance(time.Hour)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestFake_SetDoesNotFire(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := false
	c.AfterFunc(time.Second, func() { fired = true })
	c.Set(time.Unix(100, 0))
	if fired {
		t.Error("Set must not fire timers")
	}
	c.Advance(0)
	if !fired {
		t.Error("Advance(0) should fire timers already past due")
	}
}
