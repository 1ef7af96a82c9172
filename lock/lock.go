// Package lock provides named critical sections. Document metadata updates
// take the "document:<id>" lock so concurrent extractions of one document do
// not interleave their category and date writes.
package lock

import (
	"context"
	"fmt"
	"sync"
)

// ReleaseLock ends a critical section.
type ReleaseLock func() error

// Locker obtains named locks. Lock blocks until the lock is held or ctx ends.
type Locker interface {
	Lock(ctx context.Context, key string) (ReleaseLock, error)
}

// DocumentKey names the lock guarding a document's metadata.
func DocumentKey(documentID int64) string {
	return fmt.Sprintf("document:%d", documentID)
}

// Local is an in-process keyed mutex.
type Local struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	held chan struct{}
	refs int
}

// NewLocal creates an empty Local locker.
func NewLocal() *Local {
	return &Local{locks: make(map[string]*entry)}
}

func (l *Local) Lock(ctx context.Context, key string) (ReleaseLock, error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{held: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.held <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() error {
		once.Do(func() {
			<-e.held
			l.unref(key, e)
		})
		return nil
	}, nil
}

func (l *Local) unref(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// size is the number of keys with holders or waiters.
func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
