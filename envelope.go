package durable

import (
	"time"

	"github.com/google/uuid"
)

// AnyNode is the owner value of rows that any node may claim.
const AnyNode = 0

// Status represents the lifecycle state of an envelope.
type Status int16

const (
	// StatusOutgoing indicates the envelope waits for a sender.
	StatusOutgoing Status = 0
	// StatusScheduled indicates the envelope waits for its execution time.
	StatusScheduled Status = 1
	// StatusIncoming indicates the envelope was received and waits for the pipeline.
	StatusIncoming Status = 2
	// StatusHandled indicates the pipeline finished successfully.
	StatusHandled Status = 3
	// StatusMovedToErrorQueue indicates the envelope exhausted its error policy.
	StatusMovedToErrorQueue Status = -1
	// StatusDiscarded indicates the envelope was dropped by policy or expiration.
	StatusDiscarded Status = -2
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOutgoing:
		return "outgoing"
	case StatusScheduled:
		return "scheduled"
	case StatusIncoming:
		return "incoming"
	case StatusHandled:
		return "handled"
	case StatusMovedToErrorQueue:
		return "moved-to-error-queue"
	case StatusDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further processing follows this status.
func (s Status) Terminal() bool {
	return s == StatusHandled || s == StatusMovedToErrorQueue || s == StatusDiscarded
}

// Envelope is the unit of delivery: a message plus its delivery metadata.
type Envelope struct {
	// ID is assigned once at creation and never changes.
	ID uuid.UUID
	// MessageType is the string identity of the message, resolved through a TypeRegistry.
	MessageType string
	// Data holds the serialized body. Local handoff may leave it empty.
	Data []byte
	// ContentType selects the serializer for Data.
	ContentType string
	// Message is the deserialized body, populated lazily on the receiving side.
	Message any

	Destination   string
	ReplyURI      string
	CorrelationID string
	CausationID   string
	Source        string
	SentAt        time.Time
	// ScheduledTime is zero when the envelope should be sent immediately.
	ScheduledTime time.Time
	// DeliverBy is zero when the envelope never expires.
	DeliverBy time.Time
	Attempts  int
	Durable   bool
	Status    Status
	OwnerID   int
	Headers   map[string]string
}

// Validate checks the fields every persisted envelope needs.
func (e *Envelope) Validate() error {
	if e == nil {
		return ErrNilEnvelope
	}
	if e.ID == uuid.Nil {
		return ErrIDRequired
	}
	if e.MessageType == "" {
		return ErrMessageTypeRequired
	}
	if e.Destination == "" {
		return ErrDestinationRequired
	}

	return nil
}

// IsScheduledAfter reports whether the envelope must wait past now.
func (e *Envelope) IsScheduledAfter(now time.Time) bool {
	return !e.ScheduledTime.IsZero() && e.ScheduledTime.After(now)
}

// IsExpired reports whether the deliver-by deadline has passed.
func (e *Envelope) IsExpired(now time.Time) bool {
	return !e.DeliverBy.IsZero() && !now.Before(e.DeliverBy)
}

// Header returns a header value or an empty string.
func (e *Envelope) Header(key string) string {
	if e.Headers == nil {
		return ""
	}

	return e.Headers[key]
}

// SetHeader sets a header, allocating the map on first use.
func (e *Envelope) SetHeader(key, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
}

// Clone returns a copy that shares no mutable state with e.
// The deserialized Message is shared as-is.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	out := *e
	if e.Data != nil {
		out.Data = append([]byte(nil), e.Data...)
	}
	if e.Headers != nil {
		out.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			out.Headers[k] = v
		}
	}

	return &out
}

// Key identifies an incoming row: the same id may arrive at several destinations.
type Key struct {
	ID          uuid.UUID
	Destination string
}

// Key returns the dedupe key of the envelope.
func (e *Envelope) Key() Key {
	return Key{ID: e.ID, Destination: e.Destination}
}
