package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/velmie/durable"
)

// RegisterNode implements durable.NodeStore.
func (s *Store) RegisterNode(ctx context.Context, node durable.Node) (int, error) {
	var number int
	err := s.conn(ctx).QueryRow(ctx, s.queries.insertNode,
		node.ID, node.ServiceName, node.StartedAt, node.HeartbeatAt).Scan(&number)
	if err != nil {
		return 0, wrap("register node", err)
	}

	return number, nil
}

// Heartbeat implements durable.NodeStore.
func (s *Store) Heartbeat(ctx context.Context, number int, at time.Time) error {
	tag, err := s.conn(ctx).Exec(ctx, s.queries.heartbeat, at, number)
	if err != nil {
		return wrap("heartbeat", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", durable.ErrNodeNotFound, number)
	}

	return nil
}

// DeleteNode implements durable.NodeStore.
func (s *Store) DeleteNode(ctx context.Context, number int) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.conn(ctx).Exec(ctx, s.queries.deleteNode, number); err != nil {
			return wrap("delete node", err)
		}
		_, err := s.conn(ctx).Exec(ctx, s.queries.releaseDuties, number)

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

	rows, err := s.conn(ctx).Query(ctx, s.queries.selectNodes)
	if err != nil {
		return nil, wrap("select nodes", err)
	}
	nodes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (durable.Node, error) {
		var node durable.Node
		if err := row.Scan(&node.Number, &node.ID, &node.ServiceName, &node.StartedAt, &node.HeartbeatAt); err != nil {
			return node, err
		}
		node.StartedAt = node.StartedAt.UTC()
		node.HeartbeatAt = node.HeartbeatAt.UTC()
		node.Duties = duties[node.Number]

		return node, nil
	})
	if err != nil {
		return nil, wrap("scan nodes", err)
	}

	return nodes, nil
}

// ClaimDuty implements durable.NodeStore. The conditional upsert returns no row
// when another node holds an unexpired lease.
func (s *Store) ClaimDuty(ctx context.Context, duty string, number int, now, expiresAt time.Time) (bool, error) {
	var holder int
	err := s.conn(ctx).QueryRow(ctx, s.queries.claimDuty, duty, number, expiresAt, now).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrap("claim duty", err)
	}

	return holder == number, nil
}

// RenewDuty implements durable.NodeStore.
func (s *Store) RenewDuty(ctx context.Context, duty string, number int, expiresAt time.Time) (bool, error) {
	tag, err := s.conn(ctx).Exec(ctx, s.queries.renewDuty, expiresAt, duty, number)
	if err != nil {
		return false, wrap("renew duty", err)
	}

	return tag.RowsAffected() > 0, nil
}

// ReleaseDuty implements durable.NodeStore.
func (s *Store) ReleaseDuty(ctx context.Context, duty string, number int) error {
	_, err := s.conn(ctx).Exec(ctx, s.queries.releaseDuty, duty, number)

	return wrap("release duty", err)
}

// ReleaseDuties implements durable.NodeStore.
func (s *Store) ReleaseDuties(ctx context.Context, number int) error {
	_, err := s.conn(ctx).Exec(ctx, s.queries.releaseDuties, number)

	return wrap("release duties", err)
}

// LoadAssignments implements durable.NodeStore.
func (s *Store) LoadAssignments(ctx context.Context) ([]durable.Assignment, error) {
	rows, err := s.conn(ctx).Query(ctx, s.queries.selectAssignments)
	if err != nil {
		return nil, wrap("select assignments", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (durable.Assignment, error) {
		var a durable.Assignment
		err := row.Scan(&a.Duty, &a.NodeNumber, &a.ExpiresAt)
		a.ExpiresAt = a.ExpiresAt.UTC()

		return a, err
	})
	if err != nil {
		return nil, wrap("scan assignments", err)
	}

	return out, nil
}
