// Package outbox implements the scheduled-message pipeline.
//
// A record enters through Schedule() with a future due time, waits in the
// durable store, and is delivered by whichever loop notices it first: the
// foreground ticker owned by this package, or the independent background
// worker (internal/services/worker) that scans the same store.
//
// Delivery semantics
//
// Best-effort, at-least-once. Within one loop, due records are processed
// strictly sequentially with an enforced minimum delay between sends. Across
// the two loops no ordering is guaranteed; both may attempt the same record
// before either persists the "sending" transition, so a record can be sent at
// most twice in that window. Failed attempts are retried on later ticks until
// the record's attempt ceiling is reached, after which the record parks in the
// terminal "error" state and waits for a manual Retry() or Cancel().
//
// The store is the ground truth. The sync channel (internal/eventbus) only
// carries low-latency hints between the loops and may drop events freely.
package outbox
