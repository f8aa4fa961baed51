// Package postgres provides a PostgreSQL storage engine for durable built on pgx.
//
// Tables mirror the mysql engine: <prefix>_incoming, <prefix>_outgoing,
// <prefix>_dead_letters, <prefix>_nodes and <prefix>_node_assignments.
// Inserts use ON CONFLICT DO NOTHING so a duplicate never aborts a caller
// transaction. Duty leases are claimed with INSERT ... ON CONFLICT (duty) DO UPDATE
// ... WHERE, which returns a row only for the winner.
//
// Carry a pgx.Tx with durable.WithTransaction to enlist store writes in an
// application transaction.
package postgres
