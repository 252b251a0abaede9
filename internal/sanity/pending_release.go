package sanity

import (
	"sync"
	"time"
)

// PendingRelease tracks NC names the stage-sanity poller just reverted to
// PENDING, so the next inventory poll (C11) doesn't raise a false
// allocation-conflict alert for stock the system itself is in the process
// of releasing. Entries expire on their own; nothing ever explicitly
// removes one early.
type PendingRelease struct {
	mu      sync.Mutex
	ttl     time.Duration
	expires map[string]time.Time
}

// NewPendingRelease builds a PendingRelease set whose entries expire after
// ttl (60s per the stage-sanity poller).
func NewPendingRelease(ttl time.Duration) *PendingRelease {
	return &PendingRelease{ttl: ttl, expires: make(map[string]time.Time)}
}

// Mark records ncName as pending-release from now.
func (p *PendingRelease) Mark(ncName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expires[ncName] = time.Now().Add(p.ttl)
}

// IsPending reports whether ncName was marked and hasn't expired yet,
// pruning it if it has.
func (p *PendingRelease) IsPending(ncName string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	exp, ok := p.expires[ncName]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(p.expires, ncName)
		return false
	}
	return true
}
