// Package event implements pulsed kernel events. A pulse wakes every thread
// currently waiting on the event and leaves the event unsignaled, so waiters
// must revalidate the condition they slept on after every wake-up.
package event

import (
	"sync"
	"time"
)

// Event is a pulse-only synchronization object.
type Event struct {
	name string

	mutex sync.Mutex
	gate  chan struct{}
}

// New creates a new unsignaled event.
func New(name string) *Event {
	return &Event{
		name: name,
		gate: make(chan struct{}),
	}
}

// Name returns the name supplied at creation time.
func (e *Event) Name() string {
	return e.name
}

// Pulse releases all threads currently blocked in Wait. Threads that call
// Wait after the pulse block until the next pulse.
func (e *Event) Pulse() {
	e.mutex.Lock()
	close(e.gate)
	e.gate = make(chan struct{})
	e.mutex.Unlock()
}

// Wait blocks until the event is pulsed or the timeout expires. A timeout of
// zero or less waits forever. Wait returns false if the timeout expired.
func (e *Event) Wait(timeout time.Duration) bool {
	e.mutex.Lock()
	gate := e.gate
	e.mutex.Unlock()

	if timeout <= 0 {
		<-gate
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-gate:
		return true
	case <-timer.C:
		return false
	}
}
