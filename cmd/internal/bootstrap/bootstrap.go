// Package bootstrap opens stores and loggers for the durable binaries.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/velmie/durable"
	"github.com/velmie/durable/config"
	"github.com/velmie/durable/memory"
	"github.com/velmie/durable/mysql"
	"github.com/velmie/durable/postgres"
)

const connectTimeout = 10 * time.Second

// Store is an open storage engine with its connection cleanup.
type Store struct {
	durable.Store
	// MySQL is set for the mysql engine.
	MySQL *mysql.Store
	close func()
}

// Close releases the underlying connections.
func (s *Store) Close() {
	if s.close != nil {
		s.close()
	}
}

// Open connects the configured engine and verifies the connection.
func Open(ctx context.Context, cfg config.Config) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	switch cfg.Engine {
	case config.EngineMySQL:
		dsn, err := mysqlDSN(cfg.DSN)
		if err != nil {
			return nil, err
		}
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()

			return nil, fmt.Errorf("ping mysql: %w", err)
		}
		store, err := mysql.NewStore(db,
			mysql.WithPrefix(cfg.TablePrefix),
			mysql.WithKeepHandled(cfg.KeepHandled),
			mysql.WithKeepDeadLetters(cfg.KeepDeadLetters),
		)
		if err != nil {
			_ = db.Close()

			return nil, err
		}

		return &Store{Store: store, MySQL: store, close: func() { _ = db.Close() }}, nil

	case config.EnginePostgres:
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()

			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		store, err := postgres.NewStore(pool,
			postgres.WithPrefix(cfg.TablePrefix),
			postgres.WithKeepHandled(cfg.KeepHandled),
			postgres.WithKeepDeadLetters(cfg.KeepDeadLetters),
		)
		if err != nil {
			pool.Close()

			return nil, err
		}

		return &Store{Store: store, close: pool.Close}, nil

	case config.EngineMemory:
		store := memory.New(memory.WithKeepHandled(cfg.KeepHandled), memory.WithKeepDeadLetters(cfg.KeepDeadLetters))

		return &Store{Store: store}, nil
	}

	return nil, fmt.Errorf("%w: %q", config.ErrUnknownEngine, cfg.Engine)
}

// mysqlDSN enables time parsing, which the store relies on.
func mysqlDSN(dsn string) (string, error) {
	parsed, err := mysqldrv.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	parsed.ParseTime = true

	return parsed.FormatDSN(), nil
}

// Migrate creates the tables of a database engine.
func Migrate(ctx context.Context, store durable.Store) error {
	type migrator interface {
		Migrate(ctx context.Context) error
	}
	if m, ok := store.(migrator); ok {
		return m.Migrate(ctx)
	}

	return nil
}

// Logger builds the logrus logger of a binary.
func Logger(cfg config.Config, component string) *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger.WithFields(logrus.Fields{"service": cfg.ServiceName, "component": component})
}
