package lifecycle

import "sync"

// subdomainLocks serialises the operations that tear down or touch a live
// container, one subdomain at a time. Entries are dropped once unused.
type subdomainLocks struct {
	mu    sync.Mutex
	locks map[string]*subdomainLock
}

type subdomainLock struct {
	sync.Mutex
	holders int
}

func (l *subdomainLocks) lock(subdomain string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*subdomainLock)
	}
	entry, ok := l.locks[subdomain]
	if !ok {
		entry = &subdomainLock{}
		l.locks[subdomain] = entry
	}
	entry.holders++
	l.mu.Unlock()

	entry.Lock()
	return func() {
		entry.Unlock()
		l.mu.Lock()
		entry.holders--
		if entry.holders == 0 {
			delete(l.locks, subdomain)
		}
		l.mu.Unlock()
	}
}

func (l *subdomainLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
