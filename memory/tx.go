package memory

import (
	"context"
	"errors"

	"github.com/velmie/durable"
)

// ErrTxDone is returned when committing or rolling back a finished transaction.
var ErrTxDone = errors.New("durable memory: transaction already finished")

// Tx is a unit of work over a Store. It holds the store exclusively until it ends;
// Rollback undoes every write made through it.
type Tx struct {
	s    *Store
	undo []func()
	done bool
}

// Begin opens a transaction. Carry it with durable.WithTransaction so store
// calls join it.
func (s *Store) Begin(context.Context) (*Tx, error) {
	s.mu.Lock()

	return &Tx{s: s}, nil
}

// Commit makes the writes visible and releases the store.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.undo = nil
	tx.s.mu.Unlock()

	return nil
}

// Rollback discards the writes and releases the store.
func (tx *Tx) Rollback() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.s.mu.Unlock()

	return nil
}

func (tx *Tx) rollbackWith(err error) error {
	if rbErr := tx.Rollback(); rbErr != nil {
		return errors.Join(err, rbErr)
	}

	return err
}

// remember records the current value of m[k] so Rollback can restore it.
func remember[K comparable, V any](tx *Tx, m map[K]V, k K) {
	prev, ok := m[k]
	tx.undo = append(tx.undo, func() {
		if ok {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
}

func (s *Store) txFrom(ctx context.Context) (*Tx, bool) {
	v, ok := durable.TransactionFrom(ctx)
	if !ok {
		return nil, false
	}
	tx, ok := v.(*Tx)
	if !ok || tx.s != s || tx.done {
		return nil, false
	}

	return tx, true
}

// write runs fn in the ambient transaction or in a new one.
func (s *Store) write(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx, ok := s.txFrom(ctx); ok {
		return fn(tx)
	}

	tx, _ := s.Begin(ctx)
	if err := fn(tx); err != nil {
		return tx.rollbackWith(err)
	}

	return tx.Commit()
}

// read runs fn holding the store, unless the ambient transaction already does.
func (s *Store) read(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := s.txFrom(ctx); ok {
		fn()

		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()

	return nil
}

// InTx implements durable.Transactor.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := s.txFrom(ctx); ok {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, _ := s.Begin(ctx)
	if err := fn(durable.WithTransaction(ctx, tx)); err != nil {
		return tx.rollbackWith(err)
	}

	return tx.Commit()
}
