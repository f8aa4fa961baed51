package mysql

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	mysqldrv "github.com/go-sql-driver/mysql"

	"github.com/velmie/durable"
)

var (
	// ErrDBRequired is returned when a nil *sql.DB is provided.
	ErrDBRequired = errors.New("durable mysql: db is required")
	// ErrStoreRequired is returned when a nil *Store is provided.
	ErrStoreRequired = errors.New("durable mysql: store is required")
	// ErrPrefixRequired is returned when the table prefix is empty.
	ErrPrefixRequired = errors.New("durable mysql: table prefix is required")
	// ErrInvalidPrefix is returned when the table prefix has disallowed characters.
	ErrInvalidPrefix = errors.New("durable mysql: invalid table prefix")
	// ErrCleanupIntervalInvalid is returned when the cleanup interval is not positive.
	ErrCleanupIntervalInvalid = errors.New("durable mysql: cleanup interval must be positive")
)

const (
	errDuplicateEntry = 1062
	errLockDeadlock   = 1213
	errLockWait       = 1205
)

// wrap prefixes err with the failed operation. Lost connections are marked as
// persistence outages.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	err = fmt.Errorf("durable mysql: %s failed: %w", op, err)
	if isConnectionError(err) {
		return durable.Unavailable(err)
	}

	return err
}

func isDuplicate(err error) bool {
	var myErr *mysqldrv.MySQLError

	return errors.As(err, &myErr) && myErr.Number == errDuplicateEntry
}

func isDeadlock(err error) bool {
	var myErr *mysqldrv.MySQLError

	return errors.As(err, &myErr) && (myErr.Number == errLockDeadlock || myErr.Number == errLockWait)
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysqldrv.ErrInvalidConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error

	return errors.As(err, &netErr)
}
