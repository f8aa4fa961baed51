package memory

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/velmie/durable"
)

// ErrBatchDone is returned when using a committed or rolled back batch.
var ErrBatchDone = errors.New("durable memory: batch already finished")

type batch struct {
	store *Store
	owner int
	envs  []*durable.Envelope

	deleted []uuid.UUID
	retries []durable.Failure
	dead    []durable.Failure
	done    bool
}

func (b *batch) Envelopes() []*durable.Envelope {
	return b.envs
}

func (b *batch) Delete(ctx context.Context, ids []uuid.UUID) error {
	if b.done {
		return ErrBatchDone
	}
	b.deleted = append(b.deleted, ids...)

	return ctx.Err()
}

func (b *batch) Retry(ctx context.Context, failures []durable.Failure) error {
	if b.done {
		return ErrBatchDone
	}
	b.retries = append(b.retries, failures...)

	return ctx.Err()
}

func (b *batch) Dead(ctx context.Context, failures []durable.Failure) error {
	if b.done {
		return ErrBatchDone
	}
	b.dead = append(b.dead, failures...)

	return ctx.Err()
}

// Commit applies the recorded outcome. Fetched orphans are adopted by the batch owner.
func (b *batch) Commit() error {
	if b.done {
		return ErrBatchDone
	}
	b.done = true

	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()
	defer b.unlock()

	for _, env := range b.envs {
		if row, ok := s.outgoing[env.ID]; ok && row.env.OwnerID == durable.AnyNode {
			row.env = row.env.Clone()
			row.env.OwnerID = b.owner
			s.outgoing[env.ID] = row
		}
	}
	for _, id := range b.deleted {
		delete(s.outgoing, id)
	}
	for _, f := range b.retries {
		row, ok := s.outgoing[f.ID]
		if !ok {
			continue
		}
		row.env = row.env.Clone()
		row.env.Attempts = max(row.env.Attempts, f.Attempts)
		row.retryAt = f.RetryAt
		s.outgoing[f.ID] = row
	}

	now := s.cfg.Clock.Now()
	for _, f := range b.dead {
		row, ok := s.outgoing[f.ID]
		if !ok {
			continue
		}
		delete(s.outgoing, f.ID)
		env := row.env.Clone()
		env.Attempts = max(env.Attempts, f.Attempts)
		env.Status = durable.StatusMovedToErrorQueue
		s.dead[f.ID] = durable.DeadLetter{
			Envelope:         env,
			ExceptionType:    durable.ErrorType(f.Err),
			ExceptionMessage: truncateError(f.Err),
			FailedAt:         now,
			KeepUntil:        now.Add(s.cfg.KeepDeadLetters),
			Outgoing:         true,
		}
	}

	return nil
}

func (b *batch) Rollback() error {
	if b.done {
		return ErrBatchDone
	}
	b.done = true

	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	b.unlock()

	return nil
}

// unlock releases the row locks. The caller holds the store mutex.
func (b *batch) unlock() {
	for _, env := range b.envs {
		delete(b.store.locked, env.ID)
	}
}
