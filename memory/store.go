package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/velmie/durable"
)

const maxErrorLen = 1024

type incomingRow struct {
	env       *durable.Envelope
	keepUntil time.Time
}

type outgoingRow struct {
	env     *durable.Envelope
	retryAt time.Time
}

// Store is an in-process durable.Store. Rows are kept as private copies; every
// method returns clones.
type Store struct {
	cfg Config

	mu          sync.Mutex
	incoming    map[durable.Key]incomingRow
	outgoing    map[uuid.UUID]outgoingRow
	dead        map[uuid.UUID]durable.DeadLetter
	locked      map[uuid.UUID]struct{}
	nodes       map[int]durable.Node
	nextNode    int
	assignments map[string]durable.Assignment
}

var (
	_ durable.Store          = (*Store)(nil)
	_ durable.PendingCounter = (*Store)(nil)
)

// New creates an empty store.
func New(opts ...Option) *Store {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Store{cfg: cfg.withDefaults()}
	s.reset()

	return s
}

func (s *Store) reset() {
	s.incoming = make(map[durable.Key]incomingRow)
	s.outgoing = make(map[uuid.UUID]outgoingRow)
	s.dead = make(map[uuid.UUID]durable.DeadLetter)
	s.locked = make(map[uuid.UUID]struct{})
	s.nodes = make(map[int]durable.Node)
	s.nextNode = 0
	s.assignments = make(map[string]durable.Assignment)
}

// StoreIncoming implements durable.Inbox.
func (s *Store) StoreIncoming(ctx context.Context, env *durable.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	return s.write(ctx, func(tx *Tx) error {
		key := env.Key()
		if _, ok := s.incoming[key]; ok {
			return fmt.Errorf("%w: %s at %s", durable.ErrDuplicateEnvelope, env.ID, env.Destination)
		}
		row := env.Clone()
		row.Message = nil
		row.Durable = true
		remember(tx, s.incoming, key)
		s.incoming[key] = incomingRow{env: row}

		return nil
	})
}

// update replaces the incoming row of env with a modified copy. It reports false
// when the row does not exist or cond rejects it.
func (s *Store) update(tx *Tx, env *durable.Envelope, cond func(*durable.Envelope) bool, mutate func(*incomingRow)) bool {
	key := env.Key()
	row, ok := s.incoming[key]
	if !ok || (cond != nil && !cond(row.env)) {
		return false
	}
	remember(tx, s.incoming, key)
	row.env = row.env.Clone()
	mutate(&row)
	s.incoming[key] = row

	return true
}

func (s *Store) finish(ctx context.Context, env *durable.Envelope, status durable.Status) error {
	return s.write(ctx, func(tx *Tx) error {
		keepUntil := s.cfg.Clock.Now().Add(s.cfg.KeepHandled)
		ok := s.update(tx, env, nil, func(row *incomingRow) {
			row.env.Status = status
			row.env.Attempts = max(row.env.Attempts, env.Attempts)
			row.keepUntil = keepUntil
		})
		if ok {
			return nil
		}

		row := env.Clone()
		row.Message = nil
		row.Status = status
		remember(tx, s.incoming, env.Key())
		s.incoming[env.Key()] = incomingRow{env: row, keepUntil: keepUntil}

		return nil
	})
}

// MarkHandled implements durable.Inbox.
func (s *Store) MarkHandled(ctx context.Context, env *durable.Envelope) error {
	return s.finish(ctx, env, durable.StatusHandled)
}

// MarkDiscarded implements durable.Inbox.
func (s *Store) MarkDiscarded(ctx context.Context, env *durable.Envelope) error {
	return s.finish(ctx, env, durable.StatusDiscarded)
}

// SaveAttempts implements durable.Inbox.
func (s *Store) SaveAttempts(ctx context.Context, env *durable.Envelope) error {
	return s.write(ctx, func(tx *Tx) error {
		s.update(tx, env, nil, func(row *incomingRow) {
			row.env.Attempts = max(row.env.Attempts, env.Attempts)
		})

		return nil
	})
}

// ScheduleRetry implements durable.Inbox.
func (s *Store) ScheduleRetry(ctx context.Context, env *durable.Envelope, at time.Time) error {
	return s.write(ctx, func(tx *Tx) error {
		ok := s.update(tx, env, nil, func(row *incomingRow) {
			row.env.Status = durable.StatusScheduled
			row.env.ScheduledTime = at
			row.env.OwnerID = durable.AnyNode
			row.env.Attempts = max(row.env.Attempts, env.Attempts)
			row.keepUntil = time.Time{}
		})
		if ok {
			return nil
		}

		row := env.Clone()
		row.Message = nil
		row.Status = durable.StatusScheduled
		row.ScheduledTime = at
		row.OwnerID = durable.AnyNode
		row.Durable = true
		remember(tx, s.incoming, env.Key())
		s.incoming[env.Key()] = incomingRow{env: row}

		return nil
	})
}

// LoadScheduled implements durable.Inbox.
func (s *Store) LoadScheduled(ctx context.Context, now time.Time, limit int) ([]*durable.Envelope, error) {
	if limit <= 0 {
		return nil, durable.ErrInvalidBatchSize
	}

	var out []*durable.Envelope
	err := s.read(ctx, func() {
		for _, row := range s.incoming {
			if row.env.Status == durable.StatusScheduled && !row.env.ScheduledTime.After(now) {
				out = append(out, row.env.Clone())
			}
		}
	})
	slices.SortFunc(out, func(a, b *durable.Envelope) int {
		return a.ScheduledTime.Compare(b.ScheduledTime)
	})

	return truncate(out, limit), err
}

// ReleaseScheduled implements durable.Inbox.
func (s *Store) ReleaseScheduled(ctx context.Context, env *durable.Envelope, owner int) (bool, error) {
	var released bool
	err := s.write(ctx, func(tx *Tx) error {
		released = s.update(tx, env,
			func(row *durable.Envelope) bool { return row.Status == durable.StatusScheduled },
			func(row *incomingRow) {
				row.env.Status = durable.StatusIncoming
				row.env.OwnerID = owner
				row.env.ScheduledTime = time.Time{}
			},
		)

		return nil
	})

	return released, err
}

// LoadIncoming implements durable.Inbox.
func (s *Store) LoadIncoming(ctx context.Context, query durable.IncomingQuery) ([]*durable.Envelope, error) {
	if query.Limit <= 0 {
		return nil, durable.ErrInvalidBatchSize
	}

	var out []*durable.Envelope
	err := s.read(ctx, func() {
		for _, row := range s.incoming {
			if row.env.Status != durable.StatusIncoming || row.env.OwnerID != query.Owner {
				continue
			}
			if len(query.Destinations) > 0 && !slices.Contains(query.Destinations, row.env.Destination) {
				continue
			}
			out = append(out, row.env.Clone())
		}
	})
	sortBySent(out)

	return truncate(out, query.Limit), err
}

// ClaimIncoming implements durable.Inbox.
func (s *Store) ClaimIncoming(ctx context.Context, env *durable.Envelope, owner int) (bool, error) {
	var claimed bool
	err := s.write(ctx, func(tx *Tx) error {
		claimed = s.update(tx, env,
			func(row *durable.Envelope) bool {
				return row.Status == durable.StatusIncoming && row.OwnerID == durable.AnyNode
			},
			func(row *incomingRow) {
				row.env.OwnerID = owner
			},
		)

		return nil
	})

	return claimed, err
}

// StoreOutgoing implements durable.Outbox.
func (s *Store) StoreOutgoing(ctx context.Context, env *durable.Envelope, owner int) error {
	if err := env.Validate(); err != nil {
		return err
	}

	return s.write(ctx, func(tx *Tx) error {
		if _, ok := s.outgoing[env.ID]; ok {
			return fmt.Errorf("%w: %s", durable.ErrDuplicateEnvelope, env.ID)
		}
		row := env.Clone()
		row.Message = nil
		row.Status = durable.StatusOutgoing
		row.OwnerID = owner
		row.Durable = true
		remember(tx, s.outgoing, env.ID)
		s.outgoing[env.ID] = outgoingRow{env: row}

		return nil
	})
}

// FetchOutgoing implements durable.Outbox. Fetched rows stay locked until the
// batch commits or rolls back.
func (s *Store) FetchOutgoing(ctx context.Context, opts durable.FetchOptions) (durable.OutgoingBatch, error) {
	if opts.BatchSize <= 0 {
		return nil, durable.ErrInvalidBatchSize
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var envs []*durable.Envelope
	for id, row := range s.outgoing {
		if _, busy := s.locked[id]; busy {
			continue
		}
		owned := row.env.OwnerID == opts.Owner ||
			(opts.IncludeOrphans && row.env.OwnerID == durable.AnyNode)
		if !owned || (!opts.Now.IsZero() && row.retryAt.After(opts.Now)) {
			continue
		}
		envs = append(envs, row.env.Clone())
	}
	if len(envs) == 0 {
		return nil, durable.ErrNoEnvelopes
	}
	sortBySent(envs)
	envs = truncate(envs, opts.BatchSize)
	for _, env := range envs {
		s.locked[env.ID] = struct{}{}
	}

	return &batch{store: s, owner: opts.Owner, envs: envs}, nil
}

// PendingCount implements durable.PendingCounter.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.read(ctx, func() {
		n = len(s.outgoing)
	})

	return n, err
}

// MarkAsError implements durable.DeadLetters.
func (s *Store) MarkAsError(ctx context.Context, env *durable.Envelope, cause error) error {
	if err := env.Validate(); err != nil {
		return err
	}

	return s.write(ctx, func(tx *Tx) error {
		now := s.cfg.Clock.Now()
		s.update(tx, env, nil, func(row *incomingRow) {
			row.env.Status = durable.StatusMovedToErrorQueue
			row.env.Attempts = max(row.env.Attempts, env.Attempts)
			row.keepUntil = now.Add(s.cfg.KeepHandled)
		})
		s.putDeadLetter(tx, env, cause, now)

		return nil
	})
}

func (s *Store) putDeadLetter(tx *Tx, env *durable.Envelope, cause error, now time.Time) {
	row := env.Clone()
	row.Message = nil
	row.Status = durable.StatusMovedToErrorQueue
	remember(tx, s.dead, env.ID)
	s.dead[env.ID] = durable.DeadLetter{
		Envelope:         row,
		ExceptionType:    durable.ErrorType(cause),
		ExceptionMessage: truncateError(cause),
		FailedAt:         now,
		KeepUntil:        now.Add(s.cfg.KeepDeadLetters),
	}
}

// LoadDeadLetters implements durable.DeadLetters.
func (s *Store) LoadDeadLetters(ctx context.Context, query durable.DeadLetterQuery) ([]durable.DeadLetter, error) {
	var out []durable.DeadLetter
	err := s.read(ctx, func() {
		for _, dl := range s.dead {
			if query.MessageType != "" && dl.Envelope.MessageType != query.MessageType {
				continue
			}
			if query.Destination != "" && dl.Envelope.Destination != query.Destination {
				continue
			}
			dl.Envelope = dl.Envelope.Clone()
			out = append(out, dl)
		}
	})
	slices.SortFunc(out, func(a, b durable.DeadLetter) int {
		return b.FailedAt.Compare(a.FailedAt)
	})
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}

	return out, err
}

// ReplayDeadLetter implements durable.DeadLetters.
func (s *Store) ReplayDeadLetter(ctx context.Context, id uuid.UUID) error {
	return s.write(ctx, func(tx *Tx) error {
		dl, ok := s.dead[id]
		if !ok {
			return fmt.Errorf("%w: %s", durable.ErrDeadLetterNotFound, id)
		}
		remember(tx, s.dead, id)
		delete(s.dead, id)

		env := dl.Envelope.Clone()
		env.Attempts = 0
		env.OwnerID = durable.AnyNode
		env.ScheduledTime = time.Time{}
		env.Durable = true
		if dl.Outgoing {
			env.Status = durable.StatusOutgoing
			remember(tx, s.outgoing, id)
			s.outgoing[id] = outgoingRow{env: env}

			return nil
		}
		env.Status = durable.StatusIncoming
		remember(tx, s.incoming, env.Key())
		s.incoming[env.Key()] = incomingRow{env: env}

		return nil
	})
}

// DeleteDeadLetter implements durable.DeadLetters.
func (s *Store) DeleteDeadLetter(ctx context.Context, id uuid.UUID) error {
	return s.write(ctx, func(tx *Tx) error {
		if _, ok := s.dead[id]; !ok {
			return fmt.Errorf("%w: %s", durable.ErrDeadLetterNotFound, id)
		}
		remember(tx, s.dead, id)
		delete(s.dead, id)

		return nil
	})
}

// ReassignOwnership implements durable.Maintenance.
func (s *Store) ReassignOwnership(ctx context.Context, from, to int, keys []durable.Key) (int64, error) {
	var moved int64
	err := s.write(ctx, func(tx *Tx) error {
		selected := func(key durable.Key) bool {
			return keys == nil || slices.Contains(keys, key)
		}
		for key, row := range s.incoming {
			if row.env.Status != durable.StatusIncoming || row.env.OwnerID != from || !selected(key) {
				continue
			}
			remember(tx, s.incoming, key)
			row.env = row.env.Clone()
			row.env.OwnerID = to
			s.incoming[key] = row
			moved++
		}
		for id, row := range s.outgoing {
			if row.env.OwnerID != from || !selected(row.env.Key()) {
				continue
			}
			remember(tx, s.outgoing, id)
			row.env = row.env.Clone()
			row.env.OwnerID = to
			s.outgoing[id] = row
			moved++
		}

		return nil
	})

	return moved, err
}

// DeleteExpired implements durable.Maintenance.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (durable.ExpiredResult, error) {
	var res durable.ExpiredResult
	err := s.write(ctx, func(tx *Tx) error {
		for key, row := range s.incoming {
			if row.env.Status.Terminal() && !row.keepUntil.IsZero() && !now.Before(row.keepUntil) {
				remember(tx, s.incoming, key)
				delete(s.incoming, key)
				res.Incoming++
			}
		}
		for id, row := range s.outgoing {
			if _, busy := s.locked[id]; busy || !row.env.IsExpired(now) {
				continue
			}
			remember(tx, s.outgoing, id)
			delete(s.outgoing, id)
			res.Outgoing++
		}
		for id, dl := range s.dead {
			if !dl.KeepUntil.IsZero() && !now.Before(dl.KeepUntil) {
				remember(tx, s.dead, id)
				delete(s.dead, id)
				res.DeadLetters++
			}
		}

		return nil
	})

	return res, err
}

// ClearAll implements durable.Maintenance. It cannot be rolled back.
func (s *Store) ClearAll(ctx context.Context) error {
	if _, ok := s.txFrom(ctx); ok {
		s.reset()

		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()

	return nil
}

// Incoming returns a copy of the stored incoming row for key.
func (s *Store) Incoming(key durable.Key) (*durable.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.incoming[key]
	if !ok {
		return nil, false
	}

	return row.env.Clone(), true
}

// Outgoing returns copies of every outgoing row.
func (s *Store) Outgoing() []*durable.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*durable.Envelope, 0, len(s.outgoing))
	for _, row := range s.outgoing {
		out = append(out, row.env.Clone())
	}
	sortBySent(out)

	return out
}

func sortBySent(envs []*durable.Envelope) {
	slices.SortFunc(envs, func(a, b *durable.Envelope) int {
		if c := a.SentAt.Compare(b.SentAt); c != 0 {
			return c
		}

		return slices.Compare(a.ID[:], b.ID[:])
	})
}

func truncate(envs []*durable.Envelope, limit int) []*durable.Envelope {
	if len(envs) > limit {
		return envs[:limit]
	}

	return envs
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if utf8.RuneCountInString(msg) <= maxErrorLen {
		return msg
	}

	runes := []rune(msg)

	return string(runes[:maxErrorLen])
}
