package postgres

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/velmie/durable"
)

var (
	// ErrPoolRequired is returned when a nil pool is provided.
	ErrPoolRequired = errors.New("durable postgres: pool is required")
	// ErrPrefixRequired is returned when the table prefix is empty.
	ErrPrefixRequired = errors.New("durable postgres: table prefix is required")
	// ErrInvalidPrefix is returned when the table prefix has disallowed characters.
	ErrInvalidPrefix = errors.New("durable postgres: invalid table prefix")
)

const uniqueViolation = "23505"

// wrap prefixes err with the failed operation. Lost connections are marked as
// persistence outages.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	err = fmt.Errorf("durable postgres: %s failed: %w", op, err)
	if isConnectionError(err) {
		return durable.Unavailable(err)
	}

	return err
}

func isDuplicate(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func isConnectionError(err error) bool {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exception, 57P0x is operator intervention.
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P0")
	}
	var netErr net.Error

	return errors.As(err, &netErr)
}
