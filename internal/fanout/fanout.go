// Package fanout provides ordered listener lists with per-listener panic
// isolation.
package fanout

import (
	"fmt"
	"sync"
	"sync/atomic"

	"cryptofeed/logger"
)

// ID identifies a registered listener. Ids are unique across all lists in
// the process, and zero is never assigned.
type ID uint64

var lastID atomic.Uint64

type entry[T any] struct {
	id ID
	fn func(T)
}

// List invokes listeners in registration order. A panicking listener is
// logged and skipped; the rest still run.
type List[T any] struct {
	name    string
	mu      sync.RWMutex
	entries []entry[T]
	log     *logger.Log
}

// New creates a list whose name tags panic logs.
func New[T any](name string) *List[T] {
	return &List[T]{name: name, log: logger.GetLogger()}
}

// Add registers fn and returns its id. A nil fn is ignored and yields 0.
func (l *List[T]) Add(fn func(T)) ID {
	if fn == nil {
		return 0
	}
	id := ID(lastID.Add(1))
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry[T]{id: id, fn: fn})
	return id
}

// Remove unregisters a listener; unknown ids are ignored.
func (l *List[T]) Remove(id ID) {
	if id == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return
		}
	}
}

// Emit calls every listener with v and returns how many of them panicked.
func (l *List[T]) Emit(v T) int {
	l.mu.RLock()
	if len(l.entries) == 0 {
		l.mu.RUnlock()
		return 0
	}
	snapshot := make([]entry[T], len(l.entries))
	copy(snapshot, l.entries)
	l.mu.RUnlock()

	failed := 0
	for _, e := range snapshot {
		if err := l.invoke(e.fn, v); err != nil {
			failed++
			l.log.WithComponent("fanout").WithFields(logger.Fields{
				"list":        l.name,
				"listener_id": uint64(e.id),
			}).WithError(err).Error("listener panicked")
		}
	}
	return failed
}

func (l *List[T]) invoke(fn func(T), v T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn(v)
	return nil
}

func (l *List[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
