package durable

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateEnvelope signals that the inbox already holds the envelope for that destination.
	// Receivers treat it as "already delivered": acknowledge and drop.
	ErrDuplicateEnvelope = errors.New("durable envelope already exists")
	// ErrPersistenceUnavailable marks failures of the store itself.
	ErrPersistenceUnavailable = errors.New("durable persistence unavailable")
	// ErrLeaseLost indicates that duty ownership expired or moved mid-operation.
	ErrLeaseLost = errors.New("durable lease lost")
	// ErrUnsupportedType is returned by serializers that cannot resolve a concrete type.
	ErrUnsupportedType = errors.New("durable serializer does not support message type")
	// ErrNoRoutes is returned by route validation for message types without destinations.
	ErrNoRoutes = errors.New("durable message type has no routes")
	// ErrNoHandler is returned when the pipeline has no handler for a message type.
	ErrNoHandler = errors.New("durable no handler registered for message type")
	// ErrAmbiguousPolicy is returned when error policy rules overlap.
	ErrAmbiguousPolicy = errors.New("durable error policy is ambiguous")
	// ErrUnknownMessageType is returned when a message cannot be named.
	ErrUnknownMessageType = errors.New("durable message type is not registered")
	// ErrUnknownTransport is returned when no transport serves a destination scheme.
	ErrUnknownTransport = errors.New("durable no transport for destination")
	// ErrInvalidDestination is returned when a destination is not a valid URI.
	ErrInvalidDestination = errors.New("durable destination is invalid")
	// ErrNilEnvelope is returned when a nil envelope is passed.
	ErrNilEnvelope = errors.New("durable envelope is nil")
	// ErrIDRequired is returned when Envelope.ID is empty.
	ErrIDRequired = errors.New("durable envelope id is required")
	// ErrMessageTypeRequired is returned when Envelope.MessageType is empty.
	ErrMessageTypeRequired = errors.New("durable message type is required")
	// ErrDestinationRequired is returned when Envelope.Destination is empty.
	ErrDestinationRequired = errors.New("durable destination is required")
	// ErrInvalidID is returned when parsing an id fails.
	ErrInvalidID = errors.New("durable id is invalid")
	// ErrInvalidBatchSize indicates that the requested batch size is not positive.
	ErrInvalidBatchSize = errors.New("durable batch size must be positive")
	// ErrNoEnvelopes signals that nothing is available for processing.
	ErrNoEnvelopes = errors.New("durable has no pending envelopes")
	// ErrNilBatch indicates that a store returned a nil batch.
	ErrNilBatch = errors.New("durable batch is nil")
	// ErrEmptyBatch indicates that a store returned a batch with no envelopes.
	ErrEmptyBatch = errors.New("durable batch has no envelopes")
	// ErrWorkerPanic indicates a worker panic.
	ErrWorkerPanic = errors.New("durable worker panic")
	// ErrNodeNotFound is returned when a node row no longer exists.
	ErrNodeNotFound = errors.New("durable node not found")
	// ErrDeadLetterNotFound is returned when replaying or deleting an unknown dead letter.
	ErrDeadLetterNotFound = errors.New("durable dead letter not found")
	// ErrQueueStopped is returned when sending to a stopped local queue.
	ErrQueueStopped = errors.New("durable local queue stopped")
	// ErrRuntimeStarted is returned when Start is called twice.
	ErrRuntimeStarted = errors.New("durable runtime already started")
	// ErrRuntimeNotStarted is returned when the runtime is used before Start.
	ErrRuntimeNotStarted = errors.New("durable runtime not started")
)

// SerializationError reports that a body could not be encoded or decoded.
// It is never retried blindly.
type SerializationError struct {
	MessageType string
	ContentType string
	Err         error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("durable serialization failed for %q (%s): %v", e.MessageType, e.ContentType, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// TransportError reports a failed send or receive on a destination.
type TransportError struct {
	Destination string
	// Transient marks network or broker unavailability worth retrying.
	Transient bool
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("durable transport %s failed: %v", e.Destination, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HandlerError wraps a failure returned by application code.
type HandlerError struct {
	MessageType string
	Err         error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("durable handler for %q failed: %v", e.MessageType, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type unavailableError struct {
	err error
}

func (e *unavailableError) Error() string {
	return fmt.Sprintf("%s: %v", ErrPersistenceUnavailable, e.err)
}

func (e *unavailableError) Unwrap() error {
	return e.err
}

func (e *unavailableError) Is(target error) bool {
	return target == ErrPersistenceUnavailable
}

// Unavailable marks err as a store outage. Nil stays nil.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPersistenceUnavailable) {
		return err
	}

	return &unavailableError{err: err}
}

// FailureKind is the taxonomy used to route failures.
type FailureKind int

const (
	// FailureHandler is an application failure, governed by the policy table.
	FailureHandler FailureKind = iota
	// FailureDuplicate means the envelope was already seen.
	FailureDuplicate
	// FailureSerialization means the body cannot be encoded or decoded.
	FailureSerialization
	// FailureTransientTransport means the network or broker is unavailable.
	FailureTransientTransport
	// FailureLeaseLost means duty ownership ended mid-operation.
	FailureLeaseLost
	// FailurePersistence means the store is unreachable.
	FailurePersistence
)

// String returns the failure kind name.
func (k FailureKind) String() string {
	switch k {
	case FailureDuplicate:
		return "duplicate-envelope"
	case FailureSerialization:
		return "serialization-failure"
	case FailureTransientTransport:
		return "transient-transport-failure"
	case FailureLeaseLost:
		return "lease-lost"
	case FailurePersistence:
		return "persistence-unavailable"
	default:
		return "handler-failure"
	}
}

// Classify maps an error onto the failure taxonomy.
func Classify(err error) FailureKind {
	if errors.Is(err, ErrDuplicateEnvelope) {
		return FailureDuplicate
	}
	if errors.Is(err, ErrPersistenceUnavailable) {
		return FailurePersistence
	}
	if errors.Is(err, ErrLeaseLost) {
		return FailureLeaseLost
	}
	var serr *SerializationError
	if errors.As(err, &serr) || errors.Is(err, ErrUnsupportedType) {
		return FailureSerialization
	}
	var terr *TransportError
	if errors.As(err, &terr) && terr.Transient {
		return FailureTransientTransport
	}

	return FailureHandler
}

// ErrorType names the dynamic type of the failure recorded in dead letters.
// Handler failures report the application error type rather than the wrapper.
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	var herr *HandlerError
	if errors.As(err, &herr) && herr.Err != nil {
		return fmt.Sprintf("%T", herr.Err)
	}

	return fmt.Sprintf("%T", err)
}
