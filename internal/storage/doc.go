// Package storage provides the durable store backing the scheduled-message
// outbox.
//
// It persists:
//   - Outbox records (the authoritative collection; both delivery loops
//     coordinate through it)
//   - A bounded delivery log (most recent N outcomes, for display)
//
// Supported drivers: sqlite (default), bolt, file, memory.
package storage
