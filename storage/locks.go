package storage

import "sync"

// LockTable marks files as in use by a request. Shared marks are reference
// counted so several readers may hold the same path; a claim is exclusive
// among claimers. The janitor skips any marked file.
type LockTable struct {
	mu     sync.Mutex
	refs   map[string]int
	claims map[string]struct{}
}

// NewLockTable returns an empty table.
func NewLockTable() *LockTable {
	return &LockTable{refs: map[string]int{}, claims: map[string]struct{}{}}
}

// TryClaim takes the exclusive claim on path. It reports false when another
// caller holds the claim. The release function is safe to call more than once.
func (l *LockTable) TryClaim(path string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.claims[path]; held {
		return func() {}, false
	}
	l.claims[path] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.claims, path)
			l.mu.Unlock()
		})
	}, true
}

// Acquire marks path as in use and returns the function releasing the mark.
// The release function is safe to call more than once.
func (l *LockTable) Acquire(path string) func() {
	l.mu.Lock()
	l.refs[path]++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.refs[path] <= 1 {
				delete(l.refs, path)
				return
			}
			l.refs[path]--
		})
	}
}

// InUse reports whether any request currently holds path.
func (l *LockTable) InUse(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, claimed := l.claims[path]
	return claimed || l.refs[path] > 0
}

// Len is the number of distinct paths currently held.
func (l *LockTable) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.refs)
	for path := range l.claims {
		if _, shared := l.refs[path]; !shared {
			n++
		}
	}
	return n
}
