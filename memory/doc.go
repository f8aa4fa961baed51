// Package memory provides an in-process durable.Store for tests and single-node development.
//
// Transactions (Begin, or durable.WithTransaction with a *Tx) hold the store exclusively
// until they commit or roll back.
package memory
