package durable

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type validationError struct {
	field string
}

func (e *validationError) Error() string {
	return "invalid " + e.field
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"duplicate", fmt.Errorf("insert: %w", ErrDuplicateEnvelope), FailureDuplicate},
		{"persistence", Unavailable(errors.New("connection reset")), FailurePersistence},
		{"lease", fmt.Errorf("scheduler: %w", ErrLeaseLost), FailureLeaseLost},
		{"serialization", &SerializationError{MessageType: "x", Err: errors.New("bad json")}, FailureSerialization},
		{"unsupported type", ErrUnsupportedType, FailureSerialization},
		{"transient transport", &TransportError{Destination: "redis://a", Transient: true, Err: context.DeadlineExceeded}, FailureTransientTransport},
		{"permanent transport", &TransportError{Destination: "redis://a", Err: errors.New("NOAUTH")}, FailureHandler},
		{"handler", &HandlerError{MessageType: "x", Err: errors.New("boom")}, FailureHandler},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestUnavailable(t *testing.T) {
	require.NoError(t, Unavailable(nil))

	cause := errors.New("dial tcp: connection refused")
	err := Unavailable(cause)
	require.ErrorIs(t, err, ErrPersistenceUnavailable)
	require.ErrorIs(t, err, cause)
	assert.Same(t, err, Unavailable(err))
}

func TestErrorType(t *testing.T) {
	assert.Empty(t, ErrorType(nil))
	assert.Equal(t, "*durable.validationError", ErrorType(&HandlerError{Err: &validationError{field: "sku"}}))
	assert.Equal(t, "*durable.TransportError", ErrorType(&TransportError{Err: errors.New("x")}))
}

func TestFailureKindString(t *testing.T) {
	assert.Equal(t, "duplicate-envelope", FailureDuplicate.String())
	assert.Equal(t, "transient-transport-failure", FailureTransientTransport.String())
	assert.Equal(t, "handler-failure", FailureHandler.String())
}
