package durable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type movableClock struct {
	now time.Time
}

func (c *movableClock) Now() time.Time {
	return c.now
}

func TestLeaseLifecycle(t *testing.T) {
	clock := &movableClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	lease := newLease(DutyScheduledJobs, clock)

	assert.Equal(t, DutyScheduledJobs, lease.Duty())
	assert.False(t, lease.Held())
	require.ErrorIs(t, lease.Check(), ErrLeaseLost)

	expires := clock.now.Add(30 * time.Second)
	lease.grant(expires)
	assert.True(t, lease.Held())
	require.NoError(t, lease.Check())
	assert.Equal(t, expires, lease.ExpiresAt())

	clock.now = expires
	assert.False(t, lease.Held(), "a lease is lost at its expiry")

	lease.grant(expires.Add(time.Minute))
	assert.True(t, lease.Held())

	lease.revoke()
	assert.False(t, lease.Held())
	require.ErrorIs(t, lease.Check(), ErrLeaseLost)
}

func TestNodeRef(t *testing.T) {
	var ref nodeRef
	assert.Equal(t, AnyNode, ref.Get())

	ref.set(12)
	assert.Equal(t, 12, ref.Get())
}
