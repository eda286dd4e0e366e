package outbox

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// newID returns a ULID: time-ordered with a random suffix, so ids sort by
// creation time and never collide within a process.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newID(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

// newMessage builds a fresh record. Callers have already validated dueAt and
// body; this only fills in bookkeeping.
func newMessage(now time.Time, dueAt time.Time, body string, target *Target, meta map[string]string, maxAttempts int) Message {
	nowMS := now.UnixMilli()
	var md map[string]string
	if len(meta) > 0 {
		md = make(map[string]string, len(meta))
		for k, v := range meta {
			md[k] = v
		}
	}
	return Message{
		ID:          newID(now),
		DueAt:       dueAt.UnixMilli(),
		Body:        body,
		Target:      target,
		Metadata:    md,
		Status:      StatusScheduled,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		CreatedAt:   nowMS,
		UpdatedAt:   nowMS,
	}
}

// ValidTransition reports whether from → to is a legal status change.
//
// State diagram:
//
//	SCHEDULED ──► SENDING ──► SENT        (success; terminal except pruning)
//	                 │
//	                 ├──────► SCHEDULED   (failed attempt, retries left)
//	                 └──────► ERROR       (attempts exhausted)
//	ERROR ──────► SCHEDULED               (manual Retry only)
//
// Used defensively in tests; production code drives transitions through the
// runner and the public API, which already enforce the rules.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusScheduled:
		return to == StatusSending
	case StatusSending:
		return to == StatusSent || to == StatusScheduled || to == StatusError
	case StatusError:
		// Manual re-arm; the attempt counter is preserved.
		return to == StatusScheduled
	case StatusSent:
		return false
	}
	return false
}

// due reports whether m is eligible for delivery at now (epoch millis).
func due(m Message, nowMS int64) bool {
	return m.Status == StatusScheduled && m.DueAt <= nowMS
}

func validBody(body string) bool {
	return strings.TrimSpace(body) != ""
}
