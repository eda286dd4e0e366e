package storage

import (
	"context"
	"errors"
	"strings"

	logx "dutybot/pkg/logx"
)

// Store is the persistence API used by the delivery loops.
//
// Both loops coordinate exclusively through this interface; it is the ground
// truth the sync channel only hints at. Implementations must make each method
// atomic per call (no torn updates visible to the other loop).
type Store interface {
	// ListMessages returns all records in no particular order.
	ListMessages(ctx context.Context) ([]Message, error)

	// GetMessage returns (record, true) when id exists.
	GetMessage(ctx context.Context, id string) (Message, bool, error)

	// AddMessage inserts a new record. Adding an existing id is an error.
	AddMessage(ctx context.Context, m Message) error

	// UpdateMessage overwrites the record with m.ID. It returns false when the
	// record no longer exists (e.g. cancelled while an attempt was in flight);
	// callers treat that as a no-op.
	UpdateMessage(ctx context.Context, m Message) (bool, error)

	// RemoveMessage deletes by id, reporting whether a record existed.
	RemoveMessage(ctx context.Context, id string) (bool, error)

	// ReplaceMessages atomically replaces the full collection (housekeeping).
	ReplaceMessages(ctx context.Context, msgs []Message) error

	// AppendDelivery appends to the bounded delivery log.
	AppendDelivery(ctx context.Context, e DeliveryEntry) error

	// RecentDeliveries returns up to n newest entries, newest first.
	RecentDeliveries(ctx context.Context, n int) ([]DeliveryEntry, error)

	Close() error
}

// Open initializes the configured store.
//
// An empty or "memory" driver yields a volatile store; deployments that need
// records to survive a restart should configure sqlite, bolt or file.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none", "memory":
		return newMemStore(cfg), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "bolt", "bbolt":
		return openBolt(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
