package provision

import "sync"

// accountLocks serializes operations per account id while letting different
// accounts proceed concurrently. Entries are reference-counted and removed
// when the last holder releases, so the map does not grow with the account
// population.
type accountLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[string]*lockEntry)}
}

// acquire blocks until the account's exclusive lock is held and returns the
// release function.
func (l *accountLocks) acquire(accountID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[accountID]
	if !ok {
		entry = &lockEntry{}
		l.locks[accountID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, accountID)
		}
		l.mu.Unlock()
	}
}
