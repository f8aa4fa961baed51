package mysql

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/velmie/durable"
)

type batch struct {
	tx    *sql.Tx
	store *Store
	owner int
	envs  []*durable.Envelope
}

// Envelopes returns the envelopes fetched for this batch.
func (b *batch) Envelopes() []*durable.Envelope {
	return b.envs
}

// Delete removes sent, expired or discarded envelopes.
func (b *batch) Delete(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, idArg(id))
	}
	_, err := b.tx.ExecContext(ctx, buildDeleteQuery(b.store.queries.outgoingTable, len(ids)), args...)

	return wrap("delete outgoing", err)
}

// Retry records failures and reschedules each envelope.
func (b *batch) Retry(ctx context.Context, failures []durable.Failure) error {
	for _, f := range failures {
		if _, err := b.tx.ExecContext(ctx, b.store.queries.retryOutgoing, f.Attempts, nullTime(f.RetryAt), idArg(f.ID)); err != nil {
			return wrap("retry outgoing", err)
		}
	}

	return nil
}

// Dead moves the envelopes to the dead letter table.
func (b *batch) Dead(ctx context.Context, failures []durable.Failure) error {
	if len(failures) == 0 {
		return nil
	}

	byID := make(map[uuid.UUID]*durable.Envelope, len(b.envs))
	for _, env := range b.envs {
		byID[env.ID] = env
	}

	now := b.store.cfg.Clock.Now()
	ids := make([]any, 0, len(failures))
	for _, f := range failures {
		env, ok := byID[f.ID]
		if !ok {
			continue
		}
		dead := env.Clone()
		dead.Attempts = max(dead.Attempts, f.Attempts)
		if err := b.store.putDeadLetter(ctx, b.tx, dead, f.Err, now, true); err != nil {
			return err
		}
		ids = append(ids, idArg(f.ID))
	}
	if len(ids) == 0 {
		return nil
	}
	_, err := b.tx.ExecContext(ctx, buildDeleteQuery(b.store.queries.outgoingTable, len(ids)), ids...)

	return wrap("delete dead outgoing", err)
}

// Commit adopts fetched orphans and finalizes the batch transaction.
func (b *batch) Commit() error {
	args := make([]any, 0, len(b.envs)+2)
	args = append(args, b.owner, durable.AnyNode)
	for _, env := range b.envs {
		if env.OwnerID == durable.AnyNode && b.owner != durable.AnyNode {
			args = append(args, idArg(env.ID))
		}
	}
	if n := len(args) - 2; n > 0 {
		q := buildAdoptQuery(b.store.queries.outgoingTable, n)
		if _, err := b.tx.ExecContext(context.Background(), q, args...); err != nil {
			return rollbackWith(b.tx, wrap("adopt orphans", err))
		}
	}

	return wrap("commit", b.tx.Commit())
}

// Rollback releases locks without applying any changes.
func (b *batch) Rollback() error {
	err := b.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}

	return wrap("rollback", err)
}
