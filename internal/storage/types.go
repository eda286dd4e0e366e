package storage

import "time"

// Status is the lifecycle state of an outbox record.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusError     Status = "error"
)

// Target is a persisted destination. A nil *Target on a record means the
// configured default destination is used at delivery time.
type Target struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

// Message is the persisted outbox record.
//
// Timestamps are epoch milliseconds; zero means unset. Metadata is carried
// through unchanged and never interpreted by the scheduler core.
type Message struct {
	ID          string            `json:"id"`
	DueAt       int64             `json:"due_at"`
	Body        string            `json:"body"`
	Target      *Target           `json:"target,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Status      Status            `json:"status"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"max_attempts"`

	CreatedAt     int64  `json:"created_at"`
	LastAttemptAt int64  `json:"last_attempt_at,omitempty"`
	SentAt        int64  `json:"sent_at,omitempty"`
	UpdatedAt     int64  `json:"updated_at,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// DeliveryEntry is one line of the bounded delivery log.
type DeliveryEntry struct {
	At                int64  `json:"at"`
	MessageID         string `json:"message_id"`
	Target            Target `json:"target"`
	Outcome           string `json:"outcome"` // "sent" | "error"
	ErrorKind         string `json:"error_kind,omitempty"`
	Detail            string `json:"detail,omitempty"`
	ProviderMessageID int    `json:"provider_message_id,omitempty"`
}

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default when a path is set)
//   - "bolt":   bbolt database file
//   - "file":   snapshot + journal files (dependency-free)
//   - "memory" or empty: volatile in-process store
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// DeliveryLogCap bounds the delivery log (newest entries win).
	// Zero means the default of 100.
	DeliveryLogCap int
}

const defaultDeliveryLogCap = 100

func (c Config) deliveryCap() int {
	if c.DeliveryLogCap > 0 {
		return c.DeliveryLogCap
	}
	return defaultDeliveryLogCap
}
