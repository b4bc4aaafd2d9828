// Package storage persists task records and their durable timer jobs.
//
// Drivers:
//   - memory: process-local maps (tests, ephemeral runs)
//   - file: dependency-free JSON Lines journal + periodic snapshot
//   - sqlite: single-file database (modernc.org/sqlite, pure Go)
//   - postgres: shared database (github.com/lib/pq)
//
// Every driver offers the same atomicity: each call is all-or-nothing and
// Mutate is a row-level read-modify-write.
package storage
