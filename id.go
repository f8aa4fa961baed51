package durable

import (
	"fmt"

	"github.com/google/uuid"
)

// IDGenerator creates envelope ids.
type IDGenerator interface {
	// New returns a new unique id.
	New() (uuid.UUID, error)
}

// UUIDv7Generator produces time-ordered UUID v7 ids, which keep primary key inserts append-only.
type UUIDv7Generator struct{}

// New implements IDGenerator.
func (UUIDv7Generator) New() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("durable: generate id failed: %w", err)
	}

	return id, nil
}

// ParseID parses the canonical text form of an envelope id.
func ParseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrInvalidID, s)
	}

	return id, nil
}
