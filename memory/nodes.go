package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/velmie/durable"
)

// RegisterNode implements durable.NodeStore.
func (s *Store) RegisterNode(ctx context.Context, node durable.Node) (int, error) {
	var number int
	err := s.write(ctx, func(tx *Tx) error {
		prev := s.nextNode
		tx.undo = append(tx.undo, func() { s.nextNode = prev })
		s.nextNode++
		number = s.nextNode

		node.Number = number
		node.Duties = nil
		remember(tx, s.nodes, number)
		s.nodes[number] = node

		return nil
	})

	return number, err
}

// Heartbeat implements durable.NodeStore.
func (s *Store) Heartbeat(ctx context.Context, number int, at time.Time) error {
	return s.write(ctx, func(tx *Tx) error {
		node, ok := s.nodes[number]
		if !ok {
			return fmt.Errorf("%w: %d", durable.ErrNodeNotFound, number)
		}
		remember(tx, s.nodes, number)
		node.HeartbeatAt = at
		s.nodes[number] = node

		return nil
	})
}

// DeleteNode implements durable.NodeStore.
func (s *Store) DeleteNode(ctx context.Context, number int) error {
	return s.write(ctx, func(tx *Tx) error {
		remember(tx, s.nodes, number)
		delete(s.nodes, number)
		s.releaseAll(tx, number)

		return nil
	})
}

// LoadNodes implements durable.NodeStore.
func (s *Store) LoadNodes(ctx context.Context) ([]durable.Node, error) {
	var out []durable.Node
	err := s.read(ctx, func() {
		for _, node := range s.nodes {
			node.Duties = nil
			for _, a := range s.assignments {
				if a.NodeNumber == node.Number {
					node.Duties = append(node.Duties, a.Duty)
				}
			}
			slices.Sort(node.Duties)
			out = append(out, node)
		}
	})
	slices.SortFunc(out, func(a, b durable.Node) int {
		return a.Number - b.Number
	})

	return out, err
}

// ClaimDuty implements durable.NodeStore.
func (s *Store) ClaimDuty(ctx context.Context, duty string, number int, now, expiresAt time.Time) (bool, error) {
	var claimed bool
	err := s.write(ctx, func(tx *Tx) error {
		current, ok := s.assignments[duty]
		if ok && current.NodeNumber != number && current.ExpiresAt.After(now) {
			return nil
		}
		remember(tx, s.assignments, duty)
		s.assignments[duty] = durable.Assignment{Duty: duty, NodeNumber: number, ExpiresAt: expiresAt}
		claimed = true

		return nil
	})

	return claimed, err
}

// RenewDuty implements durable.NodeStore.
func (s *Store) RenewDuty(ctx context.Context, duty string, number int, expiresAt time.Time) (bool, error) {
	var renewed bool
	err := s.write(ctx, func(tx *Tx) error {
		current, ok := s.assignments[duty]
		if !ok || current.NodeNumber != number {
			return nil
		}
		remember(tx, s.assignments, duty)
		current.ExpiresAt = expiresAt
		s.assignments[duty] = current
		renewed = true

		return nil
	})

	return renewed, err
}

// ReleaseDuty implements durable.NodeStore.
func (s *Store) ReleaseDuty(ctx context.Context, duty string, number int) error {
	return s.write(ctx, func(tx *Tx) error {
		if current, ok := s.assignments[duty]; ok && current.NodeNumber == number {
			remember(tx, s.assignments, duty)
			delete(s.assignments, duty)
		}

		return nil
	})
}

// ReleaseDuties implements durable.NodeStore.
func (s *Store) ReleaseDuties(ctx context.Context, number int) error {
	return s.write(ctx, func(tx *Tx) error {
		s.releaseAll(tx, number)

		return nil
	})
}

func (s *Store) releaseAll(tx *Tx, number int) {
	for duty, a := range s.assignments {
		if a.NodeNumber == number {
			remember(tx, s.assignments, duty)
			delete(s.assignments, duty)
		}
	}
}

// LoadAssignments implements durable.NodeStore.
func (s *Store) LoadAssignments(ctx context.Context) ([]durable.Assignment, error) {
	var out []durable.Assignment
	err := s.read(ctx, func() {
		for _, a := range s.assignments {
			out = append(out, a)
		}
	})
	slices.SortFunc(out, func(a, b durable.Assignment) int {
		return strings.Compare(a.Duty, b.Duty)
	})

	return out, err
}
