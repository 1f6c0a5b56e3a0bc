package event

import (
	"testing"
	"time"
)

func TestPulseWakesWaiter(t *testing.T) {
	ev := New("test")

	done := make(chan bool)
	go func() {
		done <- ev.Wait(time.Second)
	}()

	// Give the waiter a moment to block.
	time.Sleep(10 * time.Millisecond)
	ev.Pulse()

	if !<-done {
		t.Error("expected pulsed waiter to report success")
	}
}

func TestWaitTimeout(t *testing.T) {
	ev := New("test")
	if ev.Wait(10 * time.Millisecond) {
		t.Error("expected wait to time out")
	}
}

func TestPulseIsNotSticky(t *testing.T) {
	ev := New("test")
	ev.Pulse()

	// A pulse before the wait must not satisfy it.
	if ev.Wait(10 * time.Millisecond) {
		t.Error("expected waiter arriving after the pulse to time out")
	}
}

func TestName(t *testing.T) {
	if got := New("paging-free").Name(); got != "paging-free" {
		t.Errorf("expected event name to be paging-free; got %s", got)
	}
}
