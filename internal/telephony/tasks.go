package telephony

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/voiceline/internal/session"
)

// taskKey identifies the detached work for one answer of one call. The
// opening question of a call has no answer and uses index -1.
type taskKey struct {
	callID string
	answer int
}

// task is the handle for a detached answer phase. question is closed once the
// follow-up question is decided (next/hasNext are valid afterwards); scored is
// closed once the answer slot has been settled.
type task struct {
	id       string
	key      taskKey
	started  time.Time
	question chan struct{}
	scored   chan struct{}
	next     session.Question
	hasNext  bool
	// raced is set when the continuation gave up waiting and spoke a
	// fallback question instead.
	raced atomic.Bool
}

func closed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

type taskTable struct {
	mu       sync.Mutex
	tasks    map[taskKey]*task
	finished map[string]time.Time
	inflight atomic.Int64
}

func newTaskTable() *taskTable {
	return &taskTable{
		tasks:    make(map[taskKey]*task),
		finished: make(map[string]time.Time),
	}
}

// start registers a task for key. It returns the existing task and false when
// one is already registered, so duplicate events never run the work twice.
func (t *taskTable) start(key taskKey, now time.Time) (*task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.tasks[key]; ok {
		return existing, false
	}
	tk := &task{
		id:       uuid.NewString(),
		key:      key,
		started:  now,
		question: make(chan struct{}),
		scored:   make(chan struct{}),
	}
	if key.answer < 0 {
		close(tk.scored)
	}
	t.tasks[key] = tk
	t.inflight.Add(1)
	return tk, true
}

func (t *taskTable) get(key taskKey) (*task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tk, ok := t.tasks[key]
	return tk, ok
}

func (t *taskTable) done() { t.inflight.Add(-1) }

func (t *taskTable) inFlight() int64 { return t.inflight.Load() }

// markFinished reports true the first time a call's closing summary is
// produced.
func (t *taskTable) markFinished(callID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.finished[callID]; ok {
		return false
	}
	t.finished[callID] = now
	return true
}

// prune drops completed tasks and finished markers older than cutoff.
func (t *taskTable) prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for key, tk := range t.tasks {
		if tk.started.Before(cutoff) && closed(tk.question) && closed(tk.scored) {
			delete(t.tasks, key)
			removed++
		}
	}
	for id, at := range t.finished {
		if at.Before(cutoff) {
			delete(t.finished, id)
		}
	}
	return removed
}
