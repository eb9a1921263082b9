// Package eventbus carries execution and schedule lifecycle events between
// the dispatcher and interested listeners (alerting, tests) without
// coupling them.
package eventbus

import (
	"sync"
	"time"
)

// Well-known event types published on the bus. Execution events carry a
// dispatch.ExecutionEvent payload.
const (
	TypeExecutionStarted   = "execution.started"
	TypeExecutionCompleted = "execution.completed"
	TypeExecutionFailed    = "execution.failed"
	TypeExecutionSkipped   = "execution.skipped"
	TypeScheduleFired      = "schedule.fired"
	TypeScheduleExpired    = "schedule.expired"
)

// Event is an in-process signal. Publish never blocks; a subscriber whose
// buffer is full misses the event. Data should stay small.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus with no background goroutines.
func New() Bus {
	return &fanout{}
}

type subscriber struct {
	ch     chan Event
	closed bool
}

type fanout struct {
	mu   sync.Mutex
	subs []*subscriber
}

// Publish delivers e to every live subscriber that has buffer room. The
// lock is held across the sends; since every send is non-blocking and
// close also runs under the lock, there is no send-on-closed window.
func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s.closed {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	f.mu.Lock()
	f.subs = append(f.subs, s)
	f.mu.Unlock()

	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if s.closed {
			return
		}
		s.closed = true
		close(s.ch)
		for i, cur := range f.subs {
			if cur == s {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				break
			}
		}
	}
	return s.ch, unsub
}
