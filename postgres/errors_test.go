package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velmie/durable"
)

func TestWrapClassifiesConnectionErrors(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, unavailable: true},
		{name: "connection failure", err: &pgconn.PgError{Code: "08006"}, unavailable: true},
		{name: "unique violation", err: &pgconn.PgError{Code: uniqueViolation}},
		{name: "plain", err: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrap("op", tt.err)
			require.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.unavailable, errors.Is(err, durable.ErrPersistenceUnavailable))
		})
	}

	assert.NoError(t, wrap("op", nil))
}

func TestIsDuplicate(t *testing.T) {
	assert.True(t, isDuplicate(fmt.Errorf("insert: %w", &pgconn.PgError{Code: uniqueViolation})))
	assert.False(t, isDuplicate(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isDuplicate(context.Canceled))
}

func TestNewStoreRequiresPool(t *testing.T) {
	_, err := NewStore(nil)
	require.ErrorIs(t, err, ErrPoolRequired)
	assert.Panics(t, func() { MustNewStore(nil) })
}
