package core

import (
	"sync"
	"time"
)

var (
	// fixedTime is the fixed clock used for testing scheduler and
	// schedule arithmetic.
	fixedTime     time.Time
	fixedTimeLock sync.RWMutex
)

// setFixedTime pins the engine clock for tests. The zero time restores
// the real clock.
func setFixedTime(t time.Time) {
	fixedTimeLock.Lock()
	defer fixedTimeLock.Unlock()
	fixedTime = t
}

// now returns the engine clock in UTC.
func now() time.Time {
	fixedTimeLock.RLock()
	defer fixedTimeLock.RUnlock()
	if fixedTime.IsZero() {
		return time.Now().UTC()
	}
	return fixedTime
}
