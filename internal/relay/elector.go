package relay

import (
	"context"
	"sync"
	"time"
)

// Elector grants the single active holder lease of a document. Acquire by
// the current holder renews the lease.
type Elector interface {
	Acquire(ctx context.Context, docID, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, docID, holder string) error
}

type lease struct {
	holder  string
	expires time.Time
}

// MemoryElector grants leases within one process.
type MemoryElector struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]lease
}

func NewMemoryElector() *MemoryElector {
	return &MemoryElector{now: time.Now, leases: make(map[string]lease)}
}

func (e *MemoryElector) Acquire(_ context.Context, docID, holder string, ttl time.Duration) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	if l, ok := e.leases[docID]; ok && l.holder != holder && now.Before(l.expires) {
		return false, nil
	}
	e.leases[docID] = lease{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

func (e *MemoryElector) Release(_ context.Context, docID, holder string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.leases[docID]; ok && l.holder == holder {
		delete(e.leases, docID)
	}
	return nil
}
