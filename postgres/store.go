package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velmie/durable"
)

const maxErrorLen = 1024

type executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// Store implements durable.Store on PostgreSQL.
type Store struct {
	pool    *pgxpool.Pool
	cfg     Config
	queries queries
}

var (
	_ durable.Store          = (*Store)(nil)
	_ durable.PendingCounter = (*Store)(nil)
)

// NewStore constructs a PostgreSQL store.
func NewStore(pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	if pool == nil {
		return nil, ErrPoolRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	t, err := newTables(cfg.Prefix)
	if err != nil {
		return nil, err
	}

	return &Store{pool: pool, cfg: cfg, queries: newQueries(t)}, nil
}

// MustNewStore constructs a PostgreSQL store or panics on error.
func MustNewStore(pool *pgxpool.Pool, opts ...Option) *Store {
	store, err := NewStore(pool, opts...)
	if err != nil {
		panic(err)
	}

	return store
}

// Migrate creates the tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	schema, err := Schema(s.cfg.Prefix)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, schema)

	return wrap("migrate", err)
}

func (s *Store) txFrom(ctx context.Context) (pgx.Tx, bool) {
	v, ok := durable.TransactionFrom(ctx)
	if !ok {
		return nil, false
	}
	tx, ok := v.(pgx.Tx)

	return tx, ok
}

func (s *Store) conn(ctx context.Context) executor {
	if tx, ok := s.txFrom(ctx); ok {
		return tx
	}

	return s.pool
}

// InTx implements durable.Transactor.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := s.txFrom(ctx); ok {
		return fn(ctx)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrap("begin tx", err)
	}
	if err := fn(durable.WithTransaction(ctx, tx)); err != nil {
		return rollbackWith(ctx, tx, err)
	}

	return wrap("commit", tx.Commit(ctx))
}

func rollbackWith(ctx context.Context, tx pgx.Tx, err error) error {
	if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
		return errors.Join(err, rbErr)
	}

	return err
}

// StoreIncoming implements durable.Inbox.
func (s *Store) StoreIncoming(ctx context.Context, env *durable.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	args, err := envelopeArgs(env)
	if err != nil {
		return err
	}

	tag, err := s.conn(ctx).Exec(ctx, s.queries.insertIncoming, append(args, env.Status, env.OwnerID)...)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: %s at %s", durable.ErrDuplicateEnvelope, env.ID, env.Destination)
		}

		return wrap("store incoming", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s at %s", durable.ErrDuplicateEnvelope, env.ID, env.Destination)
	}

	return nil
}

func (s *Store) finish(ctx context.Context, env *durable.Envelope, status durable.Status) error {
	args, err := envelopeArgs(env)
	if err != nil {
		return err
	}
	keepUntil := s.cfg.Clock.Now().Add(s.cfg.KeepHandled)

	_, err = s.conn(ctx).Exec(ctx, s.queries.finishIncoming, append(args, status, env.OwnerID, keepUntil)...)

	return wrap("finish incoming", err)
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
	_, err := s.conn(ctx).Exec(ctx, s.queries.saveAttempts, env.Attempts, env.ID, env.Destination)

	return wrap("save attempts", err)
}

// ScheduleRetry implements durable.Inbox.
func (s *Store) ScheduleRetry(ctx context.Context, env *durable.Envelope, at time.Time) error {
	row := env.Clone()
	row.ScheduledTime = at
	args, err := envelopeArgs(row)
	if err != nil {
		return err
	}

	_, err = s.conn(ctx).Exec(ctx, s.queries.scheduleRetry, append(args, durable.StatusScheduled, durable.AnyNode)...)

	return wrap("schedule retry", err)
}

// LoadScheduled implements durable.Inbox.
func (s *Store) LoadScheduled(ctx context.Context, now time.Time, limit int) ([]*durable.Envelope, error) {
	if limit <= 0 {
		return nil, durable.ErrInvalidBatchSize
	}

	rows, err := s.conn(ctx).Query(ctx, s.queries.selectScheduled, durable.StatusScheduled, now, limit)
	if err != nil {
		return nil, wrap("select scheduled", err)
	}

	return scanIncoming(rows)
}

// ReleaseScheduled implements durable.Inbox.
func (s *Store) ReleaseScheduled(ctx context.Context, env *durable.Envelope, owner int) (bool, error) {
	tag, err := s.conn(ctx).Exec(ctx, s.queries.releaseScheduled,
		durable.StatusIncoming, owner, env.ID, env.Destination, durable.StatusScheduled)
	if err != nil {
		return false, wrap("release scheduled", err)
	}

	return tag.RowsAffected() > 0, nil
}

// LoadIncoming implements durable.Inbox.
func (s *Store) LoadIncoming(ctx context.Context, query durable.IncomingQuery) ([]*durable.Envelope, error) {
	if query.Limit <= 0 {
		return nil, durable.ErrInvalidBatchSize
	}

	destinations := append([]string{}, query.Destinations...)
	rows, err := s.conn(ctx).Query(ctx, s.queries.selectIncoming,
		durable.StatusIncoming, query.Owner, destinations, query.Limit)
	if err != nil {
		return nil, wrap("select incoming", err)
	}

	return scanIncoming(rows)
}

// ClaimIncoming implements durable.Inbox.
func (s *Store) ClaimIncoming(ctx context.Context, env *durable.Envelope, owner int) (bool, error) {
	tag, err := s.conn(ctx).Exec(ctx, s.queries.claimIncoming,
		owner, env.ID, env.Destination, durable.StatusIncoming, durable.AnyNode)
	if err != nil {
		return false, wrap("claim incoming", err)
	}

	return tag.RowsAffected() > 0, nil
}

// StoreOutgoing implements durable.Outbox.
func (s *Store) StoreOutgoing(ctx context.Context, env *durable.Envelope, owner int) error {
	if err := env.Validate(); err != nil {
		return err
	}
	args, err := envelopeArgs(env)
	if err != nil {
		return err
	}

	tag, err := s.conn(ctx).Exec(ctx, s.queries.insertOutgoing, append(args, owner)...)
	if err != nil {
		return wrap("store outgoing", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", durable.ErrDuplicateEnvelope, env.ID)
	}

	return nil
}

// FetchOutgoing locks and returns a batch of due rows using READ COMMITTED + SKIP LOCKED.
func (s *Store) FetchOutgoing(ctx context.Context, opts durable.FetchOptions) (durable.OutgoingBatch, error) {
	if opts.BatchSize <= 0 {
		return nil, durable.ErrInvalidBatchSize
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, wrap("begin tx", err)
	}

	orphans := opts.Owner
	if opts.IncludeOrphans {
		orphans = durable.AnyNode
	}
	now := opts.Now
	if now.IsZero() {
		now = s.cfg.Clock.Now()
	}

	rows, err := tx.Query(ctx, s.queries.selectOutgoing, opts.Owner, orphans, opts.Now.IsZero(), now, opts.BatchSize)
	if err != nil {
		return nil, rollbackWith(ctx, tx, wrap("select outgoing", err))
	}
	envs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*durable.Envelope, error) {
		env := &durable.Envelope{Status: durable.StatusOutgoing}

		return env, scanEnvelope(row, env, &env.OwnerID)
	})
	if err != nil {
		return nil, rollbackWith(ctx, tx, wrap("scan outgoing", err))
	}
	if len(envs) == 0 {
		_ = tx.Rollback(ctx)

		return nil, durable.ErrNoEnvelopes
	}

	return &batch{tx: tx, store: s, owner: opts.Owner, envs: envs}, nil
}

// PendingCount returns the number of outgoing rows.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := s.conn(ctx).QueryRow(ctx, s.queries.countOutgoing).Scan(&count); err != nil {
		return 0, wrap("pending count", err)
	}

	return count, nil
}

// MarkAsError implements durable.DeadLetters.
func (s *Store) MarkAsError(ctx context.Context, env *durable.Envelope, cause error) error {
	if err := env.Validate(); err != nil {
		return err
	}

	return s.InTx(ctx, func(ctx context.Context) error {
		now := s.cfg.Clock.Now()
		_, err := s.conn(ctx).Exec(ctx, s.queries.errorIncoming,
			durable.StatusMovedToErrorQueue, env.Attempts, now.Add(s.cfg.KeepHandled), env.ID, env.Destination)
		if err != nil {
			return wrap("error incoming", err)
		}

		return s.putDeadLetter(ctx, s.conn(ctx), env, cause, now, false)
	})
}

func (s *Store) putDeadLetter(ctx context.Context, exec executor, env *durable.Envelope, cause error, now time.Time, outgoing bool) error {
	args, err := envelopeArgs(env)
	if err != nil {
		return err
	}
	args = append(args, durable.ErrorType(cause), truncateError(cause), now, now.Add(s.cfg.KeepDeadLetters), outgoing)

	_, err = exec.Exec(ctx, s.queries.putDeadLetter, args...)

	return wrap("put dead letter", err)
}

// LoadDeadLetters implements durable.DeadLetters.
func (s *Store) LoadDeadLetters(ctx context.Context, query durable.DeadLetterQuery) ([]durable.DeadLetter, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = math.MaxInt32
	}

	rows, err := s.conn(ctx).Query(ctx, s.queries.selectDeadLetters, query.MessageType, query.Destination, limit)
	if err != nil {
		return nil, wrap("select dead letters", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (durable.DeadLetter, error) {
		return scanDeadLetter(row)
	})

	return out, wrap("scan dead letters", err)
}

// ReplayDeadLetter implements durable.DeadLetters.
func (s *Store) ReplayDeadLetter(ctx context.Context, id uuid.UUID) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		exec := s.conn(ctx)
		dl, err := scanDeadLetter(exec.QueryRow(ctx, s.queries.takeDeadLetter, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", durable.ErrDeadLetterNotFound, id)
		}
		if err != nil {
			return wrap("take dead letter", err)
		}

		env := dl.Envelope
		env.Attempts = 0
		env.ScheduledTime = time.Time{}
		args, err := envelopeArgs(env)
		if err != nil {
			return err
		}
		if dl.Outgoing {
			_, err = exec.Exec(ctx, s.queries.replayOutgoing, append(args, durable.AnyNode)...)

			return wrap("replay outgoing", err)
		}
		_, err = exec.Exec(ctx, s.queries.replayIncoming, append(args, durable.StatusIncoming, durable.AnyNode)...)

		return wrap("replay incoming", err)
	})
}

// DeleteDeadLetter implements durable.DeadLetters.
func (s *Store) DeleteDeadLetter(ctx context.Context, id uuid.UUID) error {
	tag, err := s.conn(ctx).Exec(ctx, s.queries.deleteDeadLetter, id)
	if err != nil {
		return wrap("delete dead letter", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", durable.ErrDeadLetterNotFound, id)
	}

	return nil
}

// ReassignOwnership implements durable.Maintenance.
func (s *Store) ReassignOwnership(ctx context.Context, from, to int, keys []durable.Key) (int64, error) {
	if keys != nil && len(keys) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(keys))
	destinations := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, key.ID.String())
		destinations = append(destinations, key.Destination)
	}
	all := keys == nil

	var moved int64
	err := s.InTx(ctx, func(ctx context.Context) error {
		exec := s.conn(ctx)
		tag, err := exec.Exec(ctx, s.queries.reassignIncoming, to, from, durable.StatusIncoming, all, ids, destinations)
		if err != nil {
			return wrap("reassign incoming", err)
		}
		moved += tag.RowsAffected()

		tag, err = exec.Exec(ctx, s.queries.reassignOutgoing, to, from, all, ids, destinations)
		if err != nil {
			return wrap("reassign outgoing", err)
		}
		moved += tag.RowsAffected()

		return nil
	})

	return moved, err
}

// DeleteExpired implements durable.Maintenance. Outgoing rows locked by a sender are skipped.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (durable.ExpiredResult, error) {
	var res durable.ExpiredResult
	terminal := []int16{
		int16(durable.StatusHandled), int16(durable.StatusMovedToErrorQueue), int16(durable.StatusDiscarded),
	}
	err := s.InTx(ctx, func(ctx context.Context) error {
		exec := s.conn(ctx)

		tag, err := exec.Exec(ctx, s.queries.deleteIncoming, terminal, now)
		if err != nil {
			return wrap("delete incoming", err)
		}
		res.Incoming = tag.RowsAffected()

		if tag, err = exec.Exec(ctx, s.queries.expireOutgoing, now); err != nil {
			return wrap("delete outgoing", err)
		}
		res.Outgoing = tag.RowsAffected()

		if tag, err = exec.Exec(ctx, s.queries.deleteDeadLetters, now); err != nil {
			return wrap("delete dead letters", err)
		}
		res.DeadLetters = tag.RowsAffected()

		return nil
	})
	if err != nil {
		return durable.ExpiredResult{}, err
	}

	return res, nil
}

// ClearAll implements durable.Maintenance.
func (s *Store) ClearAll(ctx context.Context) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		for _, q := range s.queries.clear {
			if _, err := s.conn(ctx).Exec(ctx, q); err != nil {
				return wrap("clear", err)
			}
		}

		return nil
	})
}

func scanIncoming(rows pgx.Rows) ([]*durable.Envelope, error) {
	envs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*durable.Envelope, error) {
		env := new(durable.Envelope)

		return env, scanEnvelope(row, env, &env.Status, &env.OwnerID)
	})
	if err != nil {
		return nil, wrap("scan incoming", err)
	}

	return envs, nil
}

// scanEnvelope reads the envelopeCols columns into env, followed by extra.
func scanEnvelope(sc scanner, env *durable.Envelope, extra ...any) error {
	var (
		headers                      []byte
		sentAt, scheduled, deliverBy *time.Time
	)
	dest := []any{
		&env.ID, &env.Destination, &env.MessageType, &env.ContentType, &env.Data, &headers,
		&env.ReplyURI, &env.CorrelationID, &env.CausationID, &env.Source,
		&sentAt, &scheduled, &deliverBy, &env.Attempts,
	}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &env.Headers); err != nil {
			return fmt.Errorf("durable postgres: decode headers of %s: %w", env.ID, err)
		}
	}
	env.SentAt = utc(sentAt)
	env.ScheduledTime = utc(scheduled)
	env.DeliverBy = utc(deliverBy)
	env.Durable = true

	return nil
}

func scanDeadLetter(sc scanner) (durable.DeadLetter, error) {
	var (
		dl        durable.DeadLetter
		keepUntil *time.Time
	)
	env := &durable.Envelope{Status: durable.StatusMovedToErrorQueue}
	if err := scanEnvelope(sc, env, &dl.ExceptionType, &dl.ExceptionMessage, &dl.FailedAt, &keepUntil, &dl.Outgoing); err != nil {
		return durable.DeadLetter{}, err
	}
	dl.Envelope = env
	dl.FailedAt = dl.FailedAt.UTC()
	dl.KeepUntil = utc(keepUntil)

	return dl, nil
}

// envelopeArgs returns the values of envelopeCols for env.
func envelopeArgs(env *durable.Envelope) ([]any, error) {
	var headers []byte
	if len(env.Headers) > 0 {
		raw, err := json.Marshal(env.Headers)
		if err != nil {
			return nil, fmt.Errorf("durable postgres: encode headers of %s: %w", env.ID, err)
		}
		headers = raw
	}

	args := make([]any, 0, envelopeArgCount+4)

	return append(args,
		env.ID, env.Destination, env.MessageType, env.ContentType, env.Data, headers,
		env.ReplyURI, env.CorrelationID, env.CausationID, env.Source,
		nullTime(env.SentAt), nullTime(env.ScheduledTime), nullTime(env.DeliverBy), env.Attempts,
	), nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}

	return &t
}

func utc(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}

	return t.UTC()
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	if utf8.RuneCountInString(msg) <= maxErrorLen {
		return msg
	}

	return string([]rune(msg)[:maxErrorLen])
}
