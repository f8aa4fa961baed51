package durable

import (
	"sync"
	"sync/atomic"
	"time"
)

// Lease is the time-bounded right of this node to run a duty.
// Duty work checks Held before every externally visible step.
type Lease struct {
	duty  string
	clock Clock

	held      atomic.Bool
	mu        sync.Mutex
	expiresAt time.Time
}

func newLease(duty string, clock Clock) *Lease {
	return &Lease{duty: duty, clock: clock}
}

// Duty returns the name of the leased duty.
func (l *Lease) Duty() string {
	return l.duty
}

// Held reports whether the lease is still valid on this node's clock.
func (l *Lease) Held() bool {
	if !l.held.Load() {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.clock.Now().Before(l.expiresAt)
}

// Check returns ErrLeaseLost when the lease is no longer held.
func (l *Lease) Check() error {
	if !l.Held() {
		return ErrLeaseLost
	}

	return nil
}

// ExpiresAt returns the current expiry.
func (l *Lease) ExpiresAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.expiresAt
}

func (l *Lease) grant(expiresAt time.Time) {
	l.mu.Lock()
	l.expiresAt = expiresAt
	l.mu.Unlock()
	l.held.Store(true)
}

func (l *Lease) revoke() {
	l.held.Store(false)
}

// nodeRef holds the number of the registered node. It changes when the node re-registers.
type nodeRef struct {
	n atomic.Int64
}

// Get returns the current node number or AnyNode before registration.
func (r *nodeRef) Get() int {
	return int(r.n.Load())
}

func (r *nodeRef) set(n int) {
	r.n.Store(int64(n))
}
