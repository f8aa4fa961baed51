package mysql

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCleanupMaintainerDefaults(t *testing.T) {
	store, _ := newMockStore(t)
	maintainer, err := NewCleanupMaintainer(store, CleanupMaintainerConfig{})
	if err != nil {
		t.Fatalf("expected maintainer, got %v", err)
	}
	if maintainer.cfg.CheckEvery != defaultCleanupEvery {
		t.Fatalf("expected default check interval")
	}
	if maintainer.cfg.LockName != "durable:cleanup:durable" {
		t.Fatalf("unexpected lock name %q", maintainer.cfg.LockName)
	}
}

func TestNewCleanupMaintainerValidation(t *testing.T) {
	if _, err := NewCleanupMaintainer(nil, CleanupMaintainerConfig{}); err != ErrStoreRequired {
		t.Fatalf("expected ErrStoreRequired, got %v", err)
	}
	store, _ := newMockStore(t)
	if _, err := NewCleanupMaintainer(store, CleanupMaintainerConfig{CheckEvery: -time.Second}); err != ErrCleanupIntervalInvalid {
		t.Fatalf("expected ErrCleanupIntervalInvalid, got %v", err)
	}
}

func TestCleanupSkipsWhenLockHeld(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT GET_LOCK(?, 0)")).
		WithArgs("durable:cleanup:durable").
		WillReturnRows(sqlmock.NewRows([]string{"lock"}).AddRow(0))

	maintainer, err := NewCleanupMaintainer(store, CleanupMaintainerConfig{})
	require.NoError(t, err)

	res, err := maintainer.Ensure(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Total())
}
