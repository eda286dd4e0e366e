package outbox

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"dutybot/internal/eventbus"
	"dutybot/internal/kit"
	"dutybot/internal/storage"
	logx "dutybot/pkg/logx"
)

// Re-export the persisted record types from the storage package.
// Using Go type aliases (=) so outbox.Message IS storage.Message — the store
// and the loops exchange records without conversion.
type Message = storage.Message
type Status = storage.Status
type Target = storage.Target

const (
	StatusScheduled = storage.StatusScheduled
	StatusSending   = storage.StatusSending
	StatusSent      = storage.StatusSent
	StatusError     = storage.StatusError
)

// WakeReason tags what triggered an out-of-cycle scan.
type WakeReason string

const (
	WakeTimer  WakeReason = "timer"  // regular tick
	WakeResume WakeReason = "resume" // host regained attention (e.g. config reload)
	WakeManual WakeReason = "manual" // explicit CheckNow from a caller
)

// Config controls the foreground scheduling loop.
type Config struct {
	// TickInterval is the foreground poll cadence (default 30s).
	TickInterval time.Duration

	// SendDelay is the minimum gap between two sends from the same loop
	// (default 2s). Zero disables pacing; tests use that.
	SendDelay time.Duration

	// MaxAttempts is the per-record attempt ceiling (default 3).
	MaxAttempts int

	// Retention is how long sent records are kept before pruning (default 7d).
	Retention time.Duration

	// Timezone for the daily prune job (IANA name; empty means local).
	Timezone string

	// DefaultTarget receives records scheduled without an explicit target.
	DefaultTarget kit.ChatTarget
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	return c
}

// Service owns the foreground loop and the public scheduling API.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log      logx.Logger
	store    storage.Store
	delivery kit.Delivery
	bus      eventbus.Bus

	// now is the injected clock; tests swap it for a fake.
	now func() time.Time

	runner *Runner

	stopCh  chan struct{}
	checkCh chan WakeReason
	runWG   sync.WaitGroup

	c *cron.Cron

	busCh    <-chan eventbus.Event
	busUnsub func()
}

// Stats is the per-status record count, for display.
type Stats struct {
	Scheduled int
	Sending   int
	Sent      int
	Error     int
}

func (s Stats) Total() int { return s.Scheduled + s.Sending + s.Sent + s.Error }

// NewLimiter builds the send pacer for a loop. Zero or negative disables
// pacing and returns nil, which Runner treats as "no gap".
func NewLimiter(sendDelay time.Duration) *rate.Limiter {
	if sendDelay <= 0 {
		return nil
	}
	// One token, refilled every SendDelay: the first send goes immediately,
	// each subsequent send waits out the gap.
	return rate.NewLimiter(rate.Every(sendDelay), 1)
}
