// Package lock provides non-blocking named locks used to keep at most one
// accrual run per tenant and period in flight.
package lock

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrEmptyKey is returned for a blank lock key.
var ErrEmptyKey = errors.New("lock key is empty")

// ErrNotHeld is returned when releasing a lock that is no longer held.
var ErrNotHeld = errors.New("lock not held")

// Key builds the lock key of an accrual run.
func Key(tenantID, period string) string {
	return "accrual:" + tenantID + ":" + period
}

// =============================================================================
// LOCAL - In-process lock
// =============================================================================

// Local is an in-process lock table. It only guards runs within one
// process; use Redis when several instances share a database.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

// TryLock acquires key without waiting. acquired is false when the key is
// already held.
func (l *Local) TryLock(_ context.Context, key string) (func(context.Context) error, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, ErrEmptyKey
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	var once sync.Once
	unlock := func(context.Context) error {
		err := ErrNotHeld
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
			err = nil
		})
		return err
	}
	return unlock, true, nil
}
