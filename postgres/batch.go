package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/velmie/durable"
)

type batch struct {
	tx    pgx.Tx
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
	_, err := b.tx.Exec(ctx, b.store.queries.deleteOutgoing, idStrings(ids))

	return wrap("delete outgoing", err)
}

// Retry records failures and reschedules each envelope.
func (b *batch) Retry(ctx context.Context, failures []durable.Failure) error {
	for _, f := range failures {
		if _, err := b.tx.Exec(ctx, b.store.queries.retryOutgoing, f.Attempts, nullTime(f.RetryAt), f.ID); err != nil {
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
	ids := make([]uuid.UUID, 0, len(failures))
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
		ids = append(ids, f.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	_, err := b.tx.Exec(ctx, b.store.queries.deleteOutgoing, idStrings(ids))

	return wrap("delete dead outgoing", err)
}

// Commit adopts fetched orphans and finalizes the batch transaction.
func (b *batch) Commit() error {
	ctx := context.Background()

	var orphans []uuid.UUID
	for _, env := range b.envs {
		if env.OwnerID == durable.AnyNode && b.owner != durable.AnyNode {
			orphans = append(orphans, env.ID)
		}
	}
	if len(orphans) > 0 {
		if _, err := b.tx.Exec(ctx, b.store.queries.adoptOutgoing, b.owner, durable.AnyNode, idStrings(orphans)); err != nil {
			return rollbackWith(ctx, b.tx, wrap("adopt orphans", err))
		}
	}

	return wrap("commit", b.tx.Commit(ctx))
}

// Rollback releases locks without applying any changes.
func (b *batch) Rollback() error {
	err := b.tx.Rollback(context.Background())
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}

	return wrap("rollback", err)
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}

	return out
}
