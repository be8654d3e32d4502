// Package storage persists the processed-message ledger.
//
// Drivers:
//   - "file": one JSON object (id -> RFC 3339 timestamp), rewritten atomically
//   - "sqlite": modernc.org/sqlite database file
//   - "redis": one hash (field id -> RFC 3339 timestamp)
//   - "postgres": processed_messages table via pgx
package storage
