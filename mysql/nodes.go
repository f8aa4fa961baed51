package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/velmie/durable"
)

// RegisterNode implements durable.NodeStore.
func (s *Store) RegisterNode(ctx context.Context, node durable.Node) (int, error) {
	res, err := s.conn(ctx).ExecContext(ctx, s.queries.insertNode,
		idArg(node.ID), node.ServiceName, node.StartedAt.UTC(), node.HeartbeatAt.UTC())
	if err != nil {
		return 0, wrap("register node", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrap("register node id", err)
	}

	return int(id), nil
}

// Heartbeat implements durable.NodeStore.
func (s *Store) Heartbeat(ctx context.Context, number int, at time.Time) error {
	res, err := s.conn(ctx).ExecContext(ctx, s.queries.heartbeat, at.UTC(), number)
	ok, err := affected("heartbeat", res, err)
	if err != nil || ok {
		return err
	}

	// MySQL reports zero affected rows when the value did not change.
	found, err := s.exists(ctx, s.queries.nodeExists, number)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %d", durable.ErrNodeNotFound, number)
	}

	return nil
}

// DeleteNode implements durable.NodeStore.
func (s *Store) DeleteNode(ctx context.Context, number int) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.conn(ctx).ExecContext(ctx, s.queries.deleteNode, number); err != nil {
			return wrap("delete node", err)
		}
		_, err := s.conn(ctx).ExecContext(ctx, s.queries.releaseDuties, number)

		return wrap("release duties", err)
	})
}

// LoadNodes implements durable.NodeStore.
func (s *Store) LoadNodes(ctx context.Context) ([]durable.Node, error) {
	assignments, err := s.LoadAssignments(ctx)
	if err != nil {
		return nil, err
	}
	duties := make(map[int][]string)
	for _, a := range assignments {
		duties[a.NodeNumber] = append(duties[a.NodeNumber], a.Duty)
	}

	rows, err := s.conn(ctx).QueryContext(ctx, s.queries.selectNodes)
	if err != nil {
		return nil, wrap("select nodes", err)
	}
	defer rows.Close()

	var nodes []durable.Node
	for rows.Next() {
		var node durable.Node
		if err := rows.Scan(&node.Number, &node.ID, &node.ServiceName, &node.StartedAt, &node.HeartbeatAt); err != nil {
			return nil, wrap("scan node", err)
		}
		node.Duties = duties[node.Number]
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("node rows", err)
	}

	return nodes, nil
}

// ClaimDuty implements durable.NodeStore with one upsert followed by a read-back
// of the locked row. Deadlocks between concurrent first claims are retried.
func (s *Store) ClaimDuty(ctx context.Context, duty string, number int, now, expiresAt time.Time) (bool, error) {
	var claimed bool
	claim := func(ctx context.Context) error {
		exec := s.conn(ctx)
		if _, err := exec.ExecContext(ctx, s.queries.claimDuty, duty, number, expiresAt.UTC(), now.UTC()); err != nil {
			return err
		}
		var holder int
		if err := exec.QueryRowContext(ctx, s.queries.selectDuty, duty).Scan(&holder); err != nil {
			return err
		}
		claimed = holder == number

		return nil
	}

	var err error
	if _, ok := s.txFrom(ctx); ok {
		err = claim(ctx)
	} else {
		for range defaultClaimRetries {
			if err = s.InTx(ctx, claim); err == nil || !isDeadlock(err) {
				break
			}
		}
	}
	if err != nil {
		return false, wrap("claim duty", err)
	}

	return claimed, nil
}

// RenewDuty implements durable.NodeStore.
func (s *Store) RenewDuty(ctx context.Context, duty string, number int, expiresAt time.Time) (bool, error) {
	res, err := s.conn(ctx).ExecContext(ctx, s.queries.renewDuty, expiresAt.UTC(), duty, number)
	ok, err := affected("renew duty", res, err)
	if err != nil || ok {
		return ok, err
	}

	return s.exists(ctx, s.queries.dutyHeld, duty, number)
}

// ReleaseDuty implements durable.NodeStore.
func (s *Store) ReleaseDuty(ctx context.Context, duty string, number int) error {
	_, err := s.conn(ctx).ExecContext(ctx, s.queries.releaseDuty, duty, number)

	return wrap("release duty", err)
}

// ReleaseDuties implements durable.NodeStore.
func (s *Store) ReleaseDuties(ctx context.Context, number int) error {
	_, err := s.conn(ctx).ExecContext(ctx, s.queries.releaseDuties, number)

	return wrap("release duties", err)
}

// LoadAssignments implements durable.NodeStore.
func (s *Store) LoadAssignments(ctx context.Context) ([]durable.Assignment, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, s.queries.selectAssignments)
	if err != nil {
		return nil, wrap("select assignments", err)
	}
	defer rows.Close()

	var out []durable.Assignment
	for rows.Next() {
		var a durable.Assignment
		if err := rows.Scan(&a.Duty, &a.NodeNumber, &a.ExpiresAt); err != nil {
			return nil, wrap("scan assignment", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("assignment rows", err)
	}

	return out, nil
}

func (s *Store) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var n int
	err := s.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&n)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, wrap("exists", err)
	}

	return n > 0, nil
}
