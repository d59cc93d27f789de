package agent

import (
	"sync"
	"time"
)

// event is a unit of work executed on the session loop.
type event func()

// mailbox is an unbounded FIFO of events. Posting never blocks, so engine
// callbacks may fire synchronously from inside the loop.
type mailbox struct {
	mu     sync.Mutex
	queue  []event
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) post(e event) {
	m.mu.Lock()
	m.queue = append(m.queue, e)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []event {
	m.mu.Lock()
	q := m.queue
	m.queue = nil
	m.mu.Unlock()
	return q
}

type timerKind int

const (
	silenceTimer timerKind = iota
	restartTimer
	callEndTimer
	livenessTimer
	clockTimer
	numTimers
)

func (k timerKind) String() string {
	switch k {
	case silenceTimer:
		return "silence"
	case restartTimer:
		return "restart"
	case callEndTimer:
		return "call-end"
	case livenessTimer:
		return "liveness"
	case clockTimer:
		return "clock"
	default:
		return "unknown"
	}
}

// namedTimer holds at most one pending deadline. Every schedule or clear bumps
// seq, so a fire that raced with a clear is dropped on the loop.
type namedTimer struct {
	t   *time.Timer
	seq uint64
	fn  func()
}

// timerSet is owned by the session loop; it is not safe for concurrent use.
type timerSet struct {
	timers [numTimers]namedTimer
	post   func(event)
}

func (ts *timerSet) schedule(k timerKind, d time.Duration, fn func()) {
	ts.clear(k)
	nt := &ts.timers[k]
	seq := nt.seq
	nt.fn = fn
	nt.t = time.AfterFunc(d, func() {
		ts.post(func() { ts.fire(k, seq) })
	})
}

func (ts *timerSet) fire(k timerKind, seq uint64) {
	nt := &ts.timers[k]
	if nt.seq != seq || nt.fn == nil {
		return
	}
	fn := nt.fn
	nt.fn = nil
	nt.t = nil
	nt.seq++
	fn()
}

func (ts *timerSet) clear(k timerKind) {
	nt := &ts.timers[k]
	if nt.t != nil {
		nt.t.Stop()
		nt.t = nil
	}
	nt.fn = nil
	nt.seq++
}

func (ts *timerSet) clearAll() {
	for k := timerKind(0); k < numTimers; k++ {
		ts.clear(k)
	}
}

func (ts *timerSet) pending(k timerKind) bool {
	return ts.timers[k].fn != nil
}

func (ts *timerSet) anyPending() bool {
	for k := timerKind(0); k < numTimers; k++ {
		if ts.pending(k) {
			return true
		}
	}
	return false
}
