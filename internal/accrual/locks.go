package accrual

import "sync"

// principalLocks serialises read-modify-write per principal. Entries are
// reference counted and dropped once no goroutine holds or waits on them.
type principalLocks struct {
	mu    sync.Mutex
	locks map[string]*principalLock
}

type principalLock struct {
	mu   sync.Mutex
	refs int
}

func newPrincipalLocks() *principalLocks {
	return &principalLocks{locks: make(map[string]*principalLock)}
}

// Lock blocks until the principal's lock is held and returns its release func.
func (p *principalLocks) Lock(principalID string) func() {
	p.mu.Lock()
	l, ok := p.locks[principalID]
	if !ok {
		l = &principalLock{}
		p.locks[principalID] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, principalID)
		}
		p.mu.Unlock()
	}
}

func (p *principalLocks) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}
