package durable

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Inbox persists received and scheduled envelopes.
type Inbox interface {
	// StoreIncoming persists env using env.Status and env.OwnerID.
	// It returns ErrDuplicateEnvelope when the id is already stored for env.Destination.
	StoreIncoming(ctx context.Context, env *Envelope) error
	// MarkHandled records the successful disposition of env.
	MarkHandled(ctx context.Context, env *Envelope) error
	// MarkDiscarded records that env was dropped by policy.
	MarkDiscarded(ctx context.Context, env *Envelope) error
	// SaveAttempts persists env.Attempts. The stored count never decreases.
	SaveAttempts(ctx context.Context, env *Envelope) error
	// ScheduleRetry re-persists env as Scheduled at the given time, owned by AnyNode.
	ScheduleRetry(ctx context.Context, env *Envelope, at time.Time) error
	// LoadScheduled returns up to limit Scheduled envelopes due at or before now.
	LoadScheduled(ctx context.Context, now time.Time, limit int) ([]*Envelope, error)
	// ReleaseScheduled moves a due Scheduled envelope to Incoming under owner.
	// It reports false when another node released it first.
	ReleaseScheduled(ctx context.Context, env *Envelope, owner int) (bool, error)
	// LoadIncoming returns Incoming envelopes matching query, oldest first.
	LoadIncoming(ctx context.Context, query IncomingQuery) ([]*Envelope, error)
	// ClaimIncoming moves an AnyNode Incoming envelope to owner.
	// It reports false when another node claimed it first.
	ClaimIncoming(ctx context.Context, env *Envelope, owner int) (bool, error)
}

// IncomingQuery selects Incoming envelopes.
type IncomingQuery struct {
	// Owner is the node number holding the rows. AnyNode selects unowned rows.
	Owner int
	// Destinations restricts the rows to these destinations when not empty.
	Destinations []string
	// Limit caps the number of rows.
	Limit int
}

// FetchOptions controls how outgoing envelopes are selected.
type FetchOptions struct {
	// Owner is the node number whose rows are fetched.
	Owner int
	// IncludeOrphans also selects rows owned by AnyNode and adopts them.
	IncludeOrphans bool
	// BatchSize caps the number of rows.
	BatchSize int
	// Now filters out rows whose retry time is still in the future.
	Now time.Time
}

// Failure describes a failed send of one outgoing envelope.
type Failure struct {
	ID  uuid.UUID
	Err error
	// Attempts is the attempt count to persist.
	Attempts int
	// RetryAt is the earliest time for the next attempt.
	RetryAt time.Time
}

// Outbox persists envelopes waiting for a sender.
type Outbox interface {
	// StoreOutgoing persists env for delivery by owner. Inside an ambient transaction
	// the envelope becomes visible to senders only after commit.
	StoreOutgoing(ctx context.Context, env *Envelope, owner int) error
	// FetchOutgoing locks and returns a batch of due outgoing envelopes.
	// It returns ErrNoEnvelopes when nothing is due.
	FetchOutgoing(ctx context.Context, opts FetchOptions) (OutgoingBatch, error)
}

// OutgoingBatch is a locked set of outgoing envelopes.
type OutgoingBatch interface {
	// Envelopes returns the fetched envelopes.
	Envelopes() []*Envelope
	// Delete removes sent, expired or discarded envelopes.
	Delete(ctx context.Context, ids []uuid.UUID) error
	// Retry records failed attempts and reschedules the envelopes.
	Retry(ctx context.Context, failures []Failure) error
	// Dead moves envelopes to the dead letter table.
	Dead(ctx context.Context, failures []Failure) error
	// Commit finalizes the batch transaction.
	Commit() error
	// Rollback releases locks without applying any changes.
	Rollback() error
}

// PendingCounter reports the outgoing backlog.
type PendingCounter interface {
	// PendingCount returns the current number of outgoing envelopes.
	PendingCount(ctx context.Context) (int, error)
}

// DeadLetter is an envelope that exhausted its error policy.
type DeadLetter struct {
	Envelope         *Envelope
	ExceptionType    string
	ExceptionMessage string
	FailedAt         time.Time
	KeepUntil        time.Time
	// Outgoing is set when the envelope failed in the relay rather than in a handler.
	Outgoing bool
}

// DeadLetterQuery filters dead letters.
type DeadLetterQuery struct {
	MessageType string
	Destination string
	Limit       int
}

// DeadLetters is the operator surface of the error queue.
type DeadLetters interface {
	// MarkAsError moves env into the error queue with the failure detail.
	MarkAsError(ctx context.Context, env *Envelope, cause error) error
	// LoadDeadLetters lists dead letters, newest failures first.
	LoadDeadLetters(ctx context.Context, query DeadLetterQuery) ([]DeadLetter, error)
	// ReplayDeadLetter resets the attempts of a dead letter and hands it back to AnyNode:
	// send failures return to the outbox as Outgoing, handler failures to the inbox as Incoming.
	ReplayDeadLetter(ctx context.Context, id uuid.UUID) error
	// DeleteDeadLetter removes a dead letter permanently.
	DeleteDeadLetter(ctx context.Context, id uuid.UUID) error
}

// ExpiredResult reports how many rows DeleteExpired removed.
type ExpiredResult struct {
	Incoming    int64
	Outgoing    int64
	DeadLetters int64
}

// Total returns the number of removed rows.
func (r ExpiredResult) Total() int64 {
	return r.Incoming + r.Outgoing + r.DeadLetters
}

// Maintenance covers bulk ownership and retention operations.
type Maintenance interface {
	// ReassignOwnership moves incoming and outgoing rows from one owner to another.
	// A nil keys slice moves every row of the owner.
	ReassignOwnership(ctx context.Context, from, to int, keys []Key) (int64, error)
	// DeleteExpired removes handled rows and dead letters past keep-until and
	// outgoing rows past their deliver-by deadline.
	DeleteExpired(ctx context.Context, now time.Time) (ExpiredResult, error)
	// ClearAll removes every envelope, dead letter, node and assignment.
	ClearAll(ctx context.Context) error
}

// Transactor runs work inside one unit of work.
type Transactor interface {
	// InTx runs fn with a transaction carried by the context. An ambient transaction
	// carried by ctx is reused, otherwise a new one is opened and committed.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// MessageStore is the inbox/outbox persistence contract.
type MessageStore interface {
	Inbox
	Outbox
	DeadLetters
	Maintenance
	Transactor
}

// Node is a participating process.
type Node struct {
	// Number is assigned by the store at registration and used in owner columns.
	Number      int
	ID          uuid.UUID
	ServiceName string
	StartedAt   time.Time
	HeartbeatAt time.Time
	Duties      []string
}

// Assignment binds a duty to a node until ExpiresAt.
type Assignment struct {
	Duty       string
	NodeNumber int
	ExpiresAt  time.Time
}

// NodeStore persists nodes and duty leases.
type NodeStore interface {
	// RegisterNode inserts node and returns its assigned number.
	RegisterNode(ctx context.Context, node Node) (int, error)
	// Heartbeat refreshes the node. It returns ErrNodeNotFound when the row is gone.
	Heartbeat(ctx context.Context, number int, at time.Time) error
	// DeleteNode removes the node and its assignments.
	DeleteNode(ctx context.Context, number int) error
	// LoadNodes returns all nodes with their current duties.
	LoadNodes(ctx context.Context) ([]Node, error)
	// ClaimDuty takes the duty when it is unassigned, expired or already held by number.
	// It is a single conditional write.
	ClaimDuty(ctx context.Context, duty string, number int, now, expiresAt time.Time) (bool, error)
	// RenewDuty extends a duty still held by number.
	RenewDuty(ctx context.Context, duty string, number int, expiresAt time.Time) (bool, error)
	// ReleaseDuty gives up a duty held by number.
	ReleaseDuty(ctx context.Context, duty string, number int) error
	// ReleaseDuties gives up every duty held by number.
	ReleaseDuties(ctx context.Context, number int) error
	// LoadAssignments returns every current assignment.
	LoadAssignments(ctx context.Context) ([]Assignment, error)
}

// Store is a complete storage engine.
type Store interface {
	MessageStore
	NodeStore
}

type txKey struct{}

// WithTransaction carries a caller-supplied unit of work. Store writes made with the
// returned context join that transaction instead of opening their own.
// Each engine recognizes its own transaction type.
func WithTransaction(ctx context.Context, tx any) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TransactionFrom returns the transaction carried by ctx.
func TransactionFrom(ctx context.Context) (any, bool) {
	tx := ctx.Value(txKey{})
	if tx == nil {
		return nil, false
	}

	return tx, true
}
