package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/velmie/durable"
)

const maxErrorLen = 1024

type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// Store implements durable.Store on MySQL 8.0.19+ using polling + SKIP LOCKED.
// A *sql.Tx carried by durable.WithTransaction is joined by every write.
type Store struct {
	db      *sql.DB
	cfg     Config
	queries queries
}

var (
	_ durable.Store          = (*Store)(nil)
	_ durable.PendingCounter = (*Store)(nil)
)

// NewStore constructs a MySQL store with validated configuration.
// The DSN must use parseTime=true.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
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

	return &Store{
		db:      db,
		cfg:     cfg,
		queries: newQueries(t),
	}, nil
}

// MustNewStore constructs a MySQL store or panics on error.
func MustNewStore(db *sql.DB, opts ...Option) *Store {
	store, err := NewStore(db, opts...)
	if err != nil {
		panic(err)
	}

	return store
}

// Migrate creates the tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	stmts, err := Statements(s.cfg.Prefix)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return wrap("migrate", err)
		}
	}

	return nil
}

func (s *Store) txFrom(ctx context.Context) (*sql.Tx, bool) {
	v, ok := durable.TransactionFrom(ctx)
	if !ok {
		return nil, false
	}
	tx, ok := v.(*sql.Tx)

	return tx, ok
}

// conn returns the ambient transaction or the pool.
func (s *Store) conn(ctx context.Context) executor {
	if tx, ok := s.txFrom(ctx); ok {
		return tx
	}

	return s.db
}

// InTx implements durable.Transactor.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := s.txFrom(ctx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin tx", err)
	}
	if err := fn(durable.WithTransaction(ctx, tx)); err != nil {
		return rollbackWith(tx, err)
	}
	if err := tx.Commit(); err != nil {
		return wrap("commit", err)
	}

	return nil
}

func rollbackWith(tx *sql.Tx, err error) error {
	if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
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

	_, err = s.conn(ctx).ExecContext(ctx, s.queries.insertIncoming, append(args, env.Status, env.OwnerID)...)
	if isDuplicate(err) {
		return fmt.Errorf("%w: %s at %s", durable.ErrDuplicateEnvelope, env.ID, env.Destination)
	}

	return wrap("store incoming", err)
}

func (s *Store) finish(ctx context.Context, env *durable.Envelope, status durable.Status) error {
	args, err := envelopeArgs(env)
	if err != nil {
		return err
	}
	keepUntil := s.cfg.Clock.Now().Add(s.cfg.KeepHandled)

	_, err = s.conn(ctx).ExecContext(ctx, s.queries.finishIncoming, append(args, status, env.OwnerID, keepUntil)...)

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
	_, err := s.conn(ctx).ExecContext(ctx, s.queries.saveAttempts, env.Attempts, idArg(env.ID), env.Destination)

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

	_, err = s.conn(ctx).ExecContext(ctx, s.queries.scheduleRetry, append(args, durable.StatusScheduled, durable.AnyNode)...)

	return wrap("schedule retry", err)
}

// LoadScheduled implements durable.Inbox.
func (s *Store) LoadScheduled(ctx context.Context, now time.Time, limit int) ([]*durable.Envelope, error) {
	if limit <= 0 {
		return nil, durable.ErrInvalidBatchSize
	}

	rows, err := s.conn(ctx).QueryContext(ctx, s.queries.selectScheduled, durable.StatusScheduled, now.UTC(), limit)
	if err != nil {
		return nil, wrap("select scheduled", err)
	}

	return scanIncoming(rows, limit)
}

// ReleaseScheduled implements durable.Inbox.
func (s *Store) ReleaseScheduled(ctx context.Context, env *durable.Envelope, owner int) (bool, error) {
	res, err := s.conn(ctx).ExecContext(ctx, s.queries.releaseScheduled,
		durable.StatusIncoming, owner, idArg(env.ID), env.Destination, durable.StatusScheduled)

	return affected("release scheduled", res, err)
}

// LoadIncoming implements durable.Inbox.
func (s *Store) LoadIncoming(ctx context.Context, query durable.IncomingQuery) ([]*durable.Envelope, error) {
	if query.Limit <= 0 {
		return nil, durable.ErrInvalidBatchSize
	}

	args := make([]any, 0, len(query.Destinations)+3)
	args = append(args, durable.StatusIncoming, query.Owner)
	for _, dest := range query.Destinations {
		args = append(args, dest)
	}
	args = append(args, query.Limit)

	rows, err := s.conn(ctx).QueryContext(ctx, buildIncomingQuery(s.queries.incomingBase, len(query.Destinations)), args...)
	if err != nil {
		return nil, wrap("select incoming", err)
	}

	return scanIncoming(rows, query.Limit)
}

// ClaimIncoming implements durable.Inbox.
func (s *Store) ClaimIncoming(ctx context.Context, env *durable.Envelope, owner int) (bool, error) {
	res, err := s.conn(ctx).ExecContext(ctx, s.queries.claimIncoming,
		owner, idArg(env.ID), env.Destination, durable.StatusIncoming, durable.AnyNode)

	return affected("claim incoming", res, err)
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

	_, err = s.conn(ctx).ExecContext(ctx, s.queries.insertOutgoing, append(args, owner)...)
	if isDuplicate(err) {
		return fmt.Errorf("%w: %s", durable.ErrDuplicateEnvelope, env.ID)
	}

	return wrap("store outgoing", err)
}

// FetchOutgoing locks and returns a batch of due rows using READ COMMITTED + SKIP LOCKED.
// The batch runs in its own transaction, never in an ambient one.
func (s *Store) FetchOutgoing(ctx context.Context, opts durable.FetchOptions) (durable.OutgoingBatch, error) {
	if opts.BatchSize <= 0 {
		return nil, durable.ErrInvalidBatchSize
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, wrap("begin tx", err)
	}

	envs, err := s.selectBatch(ctx, tx, opts)
	if err != nil {
		return nil, rollbackWith(tx, err)
	}
	if len(envs) == 0 {
		_ = tx.Rollback()

		return nil, durable.ErrNoEnvelopes
	}

	return &batch{tx: tx, store: s, owner: opts.Owner, envs: envs}, nil
}

func (s *Store) selectBatch(ctx context.Context, tx *sql.Tx, opts durable.FetchOptions) ([]*durable.Envelope, error) {
	orphans := opts.Owner
	if opts.IncludeOrphans {
		orphans = durable.AnyNode
	}
	now := opts.Now
	if now.IsZero() {
		now = s.cfg.Clock.Now()
	}

	rows, err := tx.QueryContext(ctx, s.queries.selectOutgoing,
		opts.Owner, orphans, opts.Now.IsZero(), now.UTC(), opts.BatchSize)
	if err != nil {
		return nil, wrap("select outgoing", err)
	}
	defer rows.Close()

	envs := make([]*durable.Envelope, 0, opts.BatchSize)
	for rows.Next() {
		env := &durable.Envelope{Status: durable.StatusOutgoing}
		if err := scanEnvelope(rows, env, &env.OwnerID); err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("outgoing rows", err)
	}

	return envs, nil
}

// PendingCount returns the number of outgoing rows.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := s.conn(ctx).QueryRowContext(ctx, s.queries.countOutgoing).Scan(&count); err != nil {
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
		_, err := s.conn(ctx).ExecContext(ctx, s.queries.errorIncoming,
			durable.StatusMovedToErrorQueue, env.Attempts, now.Add(s.cfg.KeepHandled), idArg(env.ID), env.Destination)
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
	args = append(args, truncate(durable.ErrorType(cause), 250), truncateError(cause), now.UTC(), now.Add(s.cfg.KeepDeadLetters).UTC(), outgoing)

	_, err = exec.ExecContext(ctx, s.queries.putDeadLetter, args...)

	return wrap("put dead letter", err)
}

// LoadDeadLetters implements durable.DeadLetters.
func (s *Store) LoadDeadLetters(ctx context.Context, query durable.DeadLetterQuery) ([]durable.DeadLetter, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = math.MaxInt32
	}

	var args []any
	if query.MessageType != "" {
		args = append(args, query.MessageType)
	}
	if query.Destination != "" {
		args = append(args, query.Destination)
	}
	args = append(args, limit)

	q := buildDeadLetterQuery(s.queries.deadLetterBase, query.MessageType != "", query.Destination != "")
	rows, err := s.conn(ctx).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap("select dead letters", err)
	}
	defer rows.Close()

	var out []durable.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("dead letter rows", err)
	}

	return out, nil
}

// ReplayDeadLetter implements durable.DeadLetters.
func (s *Store) ReplayDeadLetter(ctx context.Context, id uuid.UUID) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		exec := s.conn(ctx)
		dl, err := scanDeadLetter(exec.QueryRowContext(ctx, s.queries.selectDeadLetter, idArg(id)))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", durable.ErrDeadLetterNotFound, id)
		}
		if err != nil {
			return err
		}

		env := dl.Envelope
		env.Attempts = 0
		env.ScheduledTime = time.Time{}
		args, err := envelopeArgs(env)
		if err != nil {
			return err
		}
		if dl.Outgoing {
			_, err = exec.ExecContext(ctx, s.queries.replayOutgoing, append(args, durable.AnyNode)...)
			err = wrap("replay outgoing", err)
		} else {
			_, err = exec.ExecContext(ctx, s.queries.replayIncoming, append(args, durable.StatusIncoming, durable.AnyNode)...)
			err = wrap("replay incoming", err)
		}
		if err != nil {
			return err
		}
		_, err = exec.ExecContext(ctx, s.queries.deleteDeadLetter, idArg(id))

		return wrap("delete dead letter", err)
	})
}

// DeleteDeadLetter implements durable.DeadLetters.
func (s *Store) DeleteDeadLetter(ctx context.Context, id uuid.UUID) error {
	res, err := s.conn(ctx).ExecContext(ctx, s.queries.deleteDeadLetter, idArg(id))
	ok, err := affected("delete dead letter", res, err)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", durable.ErrDeadLetterNotFound, id)
	}

	return nil
}

// ReassignOwnership implements durable.Maintenance.
func (s *Store) ReassignOwnership(ctx context.Context, from, to int, keys []durable.Key) (int64, error) {
	if keys != nil && len(keys) == 0 {
		return 0, nil
	}

	var moved int64
	err := s.InTx(ctx, func(ctx context.Context) error {
		exec := s.conn(ctx)
		keyArgs := make([]any, 0, len(keys)*2)
		for _, key := range keys {
			keyArgs = append(keyArgs, idArg(key.ID), key.Destination)
		}

		res, err := exec.ExecContext(ctx, buildKeyFilter(s.queries.reassignIncoming, len(keys)),
			append([]any{to, from, durable.StatusIncoming}, keyArgs...)...)
		n, err := rowsAffected("reassign incoming", res, err)
		if err != nil {
			return err
		}
		moved += n

		res, err = exec.ExecContext(ctx, buildKeyFilter(s.queries.reassignOutgoing, len(keys)),
			append([]any{to, from}, keyArgs...)...)
		n, err = rowsAffected("reassign outgoing", res, err)
		if err != nil {
			return err
		}
		moved += n

		return nil
	})

	return moved, err
}

// DeleteExpired implements durable.Maintenance. Outgoing rows locked by a sender are skipped.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (durable.ExpiredResult, error) {
	var res durable.ExpiredResult
	now = now.UTC()
	err := s.InTx(ctx, func(ctx context.Context) error {
		exec := s.conn(ctx)

		r, err := exec.ExecContext(ctx, s.queries.deleteIncoming,
			durable.StatusHandled, durable.StatusMovedToErrorQueue, durable.StatusDiscarded, now)
		if res.Incoming, err = rowsAffected("delete incoming", r, err); err != nil {
			return err
		}

		ids, err := s.expiredOutgoing(ctx, exec, now)
		if err != nil {
			return err
		}
		if len(ids) > 0 {
			r, err = exec.ExecContext(ctx, buildDeleteQuery(s.queries.outgoingTable, len(ids)), ids...)
			if res.Outgoing, err = rowsAffected("delete outgoing", r, err); err != nil {
				return err
			}
		}

		r, err = exec.ExecContext(ctx, s.queries.deleteDeadLetters, now)
		res.DeadLetters, err = rowsAffected("delete dead letters", r, err)

		return err
	})

	return res, err
}

func (s *Store) expiredOutgoing(ctx context.Context, exec executor, now time.Time) ([]any, error) {
	rows, err := exec.QueryContext(ctx, s.queries.expiredOutgoing, now)
	if err != nil {
		return nil, wrap("select expired", err)
	}
	defer rows.Close()

	var ids []any
	for rows.Next() {
		var id []byte
		if err := rows.Scan(&id); err != nil {
			return nil, wrap("scan expired", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("expired rows", err)
	}

	return ids, nil
}

// ClearAll implements durable.Maintenance.
func (s *Store) ClearAll(ctx context.Context) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		for _, q := range s.queries.clear {
			if _, err := s.conn(ctx).ExecContext(ctx, q); err != nil {
				return wrap("clear", err)
			}
		}

		return nil
	})
}

func scanIncoming(rows *sql.Rows, limit int) ([]*durable.Envelope, error) {
	defer rows.Close()

	envs := make([]*durable.Envelope, 0, min(limit, 64))
	for rows.Next() {
		env := new(durable.Envelope)
		if err := scanEnvelope(rows, env, &env.Status, &env.OwnerID); err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("incoming rows", err)
	}

	return envs, nil
}

// scanEnvelope reads the envelopeCols columns into env, followed by extra.
func scanEnvelope(sc scanner, env *durable.Envelope, extra ...any) error {
	var (
		headers   []byte
		sentAt    sql.NullTime
		scheduled sql.NullTime
		deliverBy sql.NullTime
	)
	dest := []any{
		&env.ID, &env.Destination, &env.MessageType, &env.ContentType, &env.Data, &headers,
		&env.ReplyURI, &env.CorrelationID, &env.CausationID, &env.Source,
		&sentAt, &scheduled, &deliverBy, &env.Attempts,
	}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}

		return wrap("scan", err)
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &env.Headers); err != nil {
			return fmt.Errorf("durable mysql: decode headers of %s: %w", env.ID, err)
		}
	}
	env.SentAt = sentAt.Time
	env.ScheduledTime = scheduled.Time
	env.DeliverBy = deliverBy.Time
	env.Durable = true

	return nil
}

func scanDeadLetter(sc scanner) (durable.DeadLetter, error) {
	var (
		dl        durable.DeadLetter
		keepUntil sql.NullTime
	)
	env := &durable.Envelope{Status: durable.StatusMovedToErrorQueue}
	if err := scanEnvelope(sc, env, &dl.ExceptionType, &dl.ExceptionMessage, &dl.FailedAt, &keepUntil, &dl.Outgoing); err != nil {
		return durable.DeadLetter{}, err
	}
	dl.Envelope = env
	dl.KeepUntil = keepUntil.Time

	return dl, nil
}

// envelopeArgs returns the values of envelopeCols for env.
func envelopeArgs(env *durable.Envelope) ([]any, error) {
	var headers any
	if len(env.Headers) > 0 {
		raw, err := json.Marshal(env.Headers)
		if err != nil {
			return nil, fmt.Errorf("durable mysql: encode headers of %s: %w", env.ID, err)
		}
		headers = raw
	}

	args := make([]any, 0, envelopeArgCount+4)

	return append(args,
		idArg(env.ID), env.Destination, env.MessageType, env.ContentType, env.Data, headers,
		env.ReplyURI, env.CorrelationID, env.CausationID, env.Source,
		nullTime(env.SentAt), nullTime(env.ScheduledTime), nullTime(env.DeliverBy), env.Attempts,
	), nil
}

func idArg(id uuid.UUID) []byte {
	return id[:]
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func affected(op string, res sql.Result, err error) (bool, error) {
	n, err := rowsAffected(op, res, err)

	return n > 0, err
}

func rowsAffected(op string, res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap(op+" rows", err)
	}

	return n, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}

	return string([]rune(s)[:n])
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}

	return truncate(err.Error(), maxErrorLen)
}
