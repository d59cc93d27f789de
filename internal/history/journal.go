package history

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Log is the write side of the call history.
type Log interface {
	StartCall(id string, startedAt time.Time) error
	AppendTurn(callID string, t Turn) error
	EndCall(id string, endedAt time.Time, duration, reason string) error
}

type entry struct {
	turn Turn
	end  bool
	dur  string
	why  string
}

// Journal writes one call's history off the caller's goroutine, in order.
// Writes that fail are logged and dropped.
type Journal struct {
	id   string
	log  Log
	zl   *zap.Logger
	now  func() time.Time
	ch   chan entry
	done chan struct{}
	once sync.Once
}

// NewJournal records the start of call id and returns its journal.
func NewJournal(l Log, id string, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	j := &Journal{
		id:   id,
		log:  l,
		zl:   logger,
		now:  time.Now,
		ch:   make(chan entry, 64),
		done: make(chan struct{}),
	}
	if err := l.StartCall(id, j.now()); err != nil {
		j.zl.Warn("history start failed", zap.Error(err))
	}
	go j.run()
	return j
}

// Turn queues a spoken line. It drops the line if the queue is full.
func (j *Journal) Turn(role, text string) {
	select {
	case j.ch <- entry{turn: Turn{Role: role, Text: text, At: j.now()}}:
	default:
		j.zl.Warn("history queue full, turn dropped", zap.String("role", role))
	}
}

// Close records the end of the call and waits for pending writes. Later
// calls are no-ops.
func (j *Journal) Close(duration, reason string) {
	j.once.Do(func() {
		j.ch <- entry{end: true, dur: duration, why: reason}
	})
	<-j.done
}

func (j *Journal) run() {
	defer close(j.done)
	for e := range j.ch {
		if e.end {
			if err := j.log.EndCall(j.id, j.now(), e.dur, e.why); err != nil {
				j.zl.Warn("history end failed", zap.Error(err))
			}
			return
		}
		if err := j.log.AppendTurn(j.id, e.turn); err != nil {
			j.zl.Warn("history append failed", zap.Error(err))
		}
	}
}
