package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/velmie/durable"
)

const (
	defaultCleanupEvery      = 10 * time.Minute
	defaultCleanupLockPrefix = "durable:cleanup:"
)

// CleanupMaintainerConfig controls periodic retention cleanup run outside of a node agent.
type CleanupMaintainerConfig struct {
	// CheckEvery is the interval between cleanup runs.
	CheckEvery time.Duration
	// LockName is the advisory lock name. Defaults to durable:cleanup:<prefix>.
	LockName string
	// Clock overrides time source (useful for tests).
	Clock durable.Clock
	// Logger receives warnings about cleanup failures.
	Logger durable.Logger
}

// CleanupMaintainer deletes expired rows. Concurrent maintainers are serialized
// with GET_LOCK so only one session deletes at a time.
type CleanupMaintainer struct {
	store *Store
	cfg   CleanupMaintainerConfig
}

// NewCleanupMaintainer creates a new cleanup maintainer with defaults applied.
func NewCleanupMaintainer(store *Store, cfg CleanupMaintainerConfig) (*CleanupMaintainer, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if cfg.CheckEvery < 0 {
		return nil, ErrCleanupIntervalInvalid
	}
	if cfg.CheckEvery == 0 {
		cfg.CheckEvery = defaultCleanupEvery
	}
	if cfg.Clock == nil {
		cfg.Clock = store.cfg.Clock
	}
	if cfg.Logger == nil {
		cfg.Logger = durable.NopLogger{}
	}
	if cfg.LockName == "" {
		cfg.LockName = defaultCleanupLockPrefix + store.cfg.Prefix
	}

	return &CleanupMaintainer{store: store, cfg: cfg}, nil
}

// Run periodically deletes expired rows until the context is canceled.
func (m *CleanupMaintainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckEvery)
	defer ticker.Stop()

	for {
		if res, err := m.Ensure(ctx); err != nil {
			m.cfg.Logger.Warn("durable cleanup failed", "err", err)
		} else if res.Total() > 0 {
			m.cfg.Logger.Info("durable cleanup removed rows",
				"incoming", res.Incoming, "outgoing", res.Outgoing, "dead_letters", res.DeadLetters)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Ensure executes a single cleanup pass. It does nothing when another session holds the lock.
func (m *CleanupMaintainer) Ensure(ctx context.Context) (durable.ExpiredResult, error) {
	conn, err := m.store.db.Conn(ctx)
	if err != nil {
		return durable.ExpiredResult{}, wrap("cleanup conn", err)
	}
	defer conn.Close()

	locked, err := m.tryLock(ctx, conn)
	if err != nil {
		return durable.ExpiredResult{}, err
	}
	if !locked {
		m.cfg.Logger.Debug("durable cleanup lock held by another session")

		return durable.ExpiredResult{}, nil
	}
	defer m.releaseLock(ctx, conn)

	return m.store.DeleteExpired(ctx, m.cfg.Clock.Now())
}

func (m *CleanupMaintainer) tryLock(ctx context.Context, conn *sql.Conn) (bool, error) {
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", m.cfg.LockName).Scan(&got); err != nil {
		return false, fmt.Errorf("durable mysql: acquire cleanup lock failed: %w", err)
	}

	return got.Valid && got.Int64 == 1, nil
}

func (m *CleanupMaintainer) releaseLock(ctx context.Context, conn *sql.Conn) {
	var released sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", m.cfg.LockName).Scan(&released); err != nil {
		m.cfg.Logger.Warn("durable cleanup release lock failed", "err", err)
	}
}
