package kit

import "context"

// ChatTarget identifies a destination chat (and optional forum topic thread).
type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

// SendResult is returned by a successful provider send.
type SendResult struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

// ErrorKind is a small taxonomy of delivery failures.
//
// The kind drives user-facing suggestion text only. Retry policy is the same
// for every kind: failed attempts count against the record's attempt ceiling.
type ErrorKind string

const (
	// ErrNotConfigured: provider credentials missing or unusable.
	ErrNotConfigured ErrorKind = "not_configured"
	// ErrUnreachable: network-level failure or provider 5xx.
	ErrUnreachable ErrorKind = "unreachable"
	// ErrRejected: provider-side semantic 4xx (chat not found, blocked,
	// insufficient rights, payload too long, flood control).
	ErrRejected ErrorKind = "rejected"
	// ErrUnknown: anything we could not classify.
	ErrUnknown ErrorKind = "unknown"
)

// Suggestion returns a short operator-facing hint for a failure kind.
func (k ErrorKind) Suggestion() string {
	switch k {
	case ErrNotConfigured:
		return "set telegram.token and telegram.default_chat in the config"
	case ErrUnreachable:
		return "check network connectivity to api.telegram.org"
	case ErrRejected:
		return "check that the bot is a member of the target chat and the message fits limits"
	default:
		return "inspect the recorded error detail"
	}
}

// Delivery is the provider client used by the scheduling loops.
//
// Implementations must be safe for concurrent use; the loops themselves only
// ever issue one send at a time.
type Delivery interface {
	// Send performs exactly one provider call. The returned error, if any,
	// should be classifiable via Classify.
	Send(ctx context.Context, to ChatTarget, text string) (SendResult, error)

	// CheckAvailability is a lightweight reachability/credential probe.
	// It must never send a visible message.
	CheckAvailability(ctx context.Context) bool

	// Classify maps a Send error into the ErrorKind taxonomy.
	Classify(err error) ErrorKind
}
