// Package mysql provides a MySQL 8.0.19+ storage engine for durable.
//
// The store keeps five tables named after a prefix: incoming (the inbox and
// dedupe log), outgoing (the outbox), dead_letters, nodes and node_assignments.
// The relay fetches outgoing rows using:
//   - READ COMMITTED isolation (to avoid gap locks)
//   - SELECT ... FOR UPDATE SKIP LOCKED
//   - ORDER BY sent_at, id (UUID v7 time ordering)
//   - LIMIT for batching
//
// Conditional UPDATEs guard scheduled release and incoming claims, so concurrent
// nodes never both win. Duty leases are claimed with one INSERT ... ON DUPLICATE
// KEY UPDATE and read back in the same transaction.
//
// Open the pool with parseTime=true. Carry a *sql.Tx with durable.WithTransaction
// to enlist store writes in application transactions. See Schema for DDL and
// CleanupMaintainer for lock-serialized retention cleanup.
package mysql
