package outbox

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"dutybot/internal/eventbus"
	"dutybot/internal/kit"
	"dutybot/internal/storage"
	logx "dutybot/pkg/logx"
)

// Runner is the delivery engine shared by the foreground loop and the
// background worker. Each loop owns its own Runner instance; the only thing
// the two share is the store (ground truth) and the bus (hints).
type Runner struct {
	origin string // "foreground" | "worker", for logs and delivery entries

	log      logx.Logger
	store    storage.Store
	delivery kit.Delivery
	bus      eventbus.Bus
	limiter  *rate.Limiter
	now      func() time.Time

	defaultTarget kit.ChatTarget

	// gate, when true, probes provider availability before a non-empty batch
	// and skips the batch (consuming no attempts) when the provider is down.
	gate bool
}

func NewRunner(origin string, log logx.Logger, store storage.Store, delivery kit.Delivery,
	bus eventbus.Bus, limiter *rate.Limiter, now func() time.Time,
	defaultTarget kit.ChatTarget, gate bool) *Runner {
	if now == nil {
		now = time.Now
	}
	return &Runner{
		origin:        origin,
		log:           log.With(logx.String("loop", origin)),
		store:         store,
		delivery:      delivery,
		bus:           bus,
		limiter:       limiter,
		now:           now,
		defaultTarget: defaultTarget,
		gate:          gate,
	}
}

// CheckDue is the single entry point both wake paths feed into. It scans the
// store for due records and delivers them sequentially.
//
// Every error on the delivery path is converted into a record-status
// transition; nothing escapes to break the loop.
func (r *Runner) CheckDue(ctx context.Context, reason WakeReason) {
	nowMS := r.now().UnixMilli()

	all, err := r.store.ListMessages(ctx)
	if err != nil {
		// Storage trouble degrades to an empty scan; the next tick retries.
		r.log.Warn("outbox scan failed; treating as empty", logx.Err(err))
		return
	}

	batch := all[:0:0]
	for _, m := range all {
		if due(m, nowMS) {
			batch = append(batch, m)
		}
	}
	if len(batch) == 0 {
		r.log.Trace("no due records", logx.String("reason", string(reason)))
		return
	}
	// Oldest due first, so a backlog drains in schedule order.
	sort.Slice(batch, func(i, j int) bool { return batch[i].DueAt < batch[j].DueAt })

	if r.gate && !r.delivery.CheckAvailability(ctx) {
		// Pre-flight failed: don't burn attempts while the provider is down.
		r.log.Warn("provider unavailable; batch deferred",
			logx.Int("due", len(batch)), logx.String("reason", string(reason)))
		return
	}

	r.log.Info("processing due records",
		logx.Int("due", len(batch)), logx.String("reason", string(reason)))

	for _, m := range batch {
		if ctx.Err() != nil {
			return
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
		}
		r.deliverOne(ctx, m.ID)
	}

	r.logRemaining(ctx)
}

// deliverOne runs one attempt cycle for the record with the given id.
//
// The record is re-read immediately before the "sending" transition: that is
// the commit point that shrinks (but cannot close) the cross-loop duplicate
// window, and it also makes a concurrent Cancel a clean no-op.
func (r *Runner) deliverOne(ctx context.Context, id string) {
	m, ok, err := r.store.GetMessage(ctx, id)
	if err != nil {
		r.log.Warn("record re-read failed; skipping", logx.String("id", id), logx.Err(err))
		return
	}
	if !ok || m.Status != StatusScheduled {
		// Cancelled, or the other loop got here first.
		return
	}

	nowMS := r.now().UnixMilli()
	m.Status = StatusSending
	if m.Attempts < m.MaxAttempts {
		m.Attempts++
	}
	m.LastAttemptAt = nowMS
	m.UpdatedAt = nowMS
	existed, err := r.store.UpdateMessage(ctx, m)
	if err != nil {
		// Storage trouble: log and carry on with the send; the outcome write
		// below gets another chance to persist the bookkeeping.
		r.log.Warn("sending transition not persisted", logx.String("id", id), logx.Err(err))
	} else if !existed {
		// Record vanished (cancel race): drop the attempt.
		return
	}

	target := r.defaultTarget
	if m.Target != nil {
		target = kit.ChatTarget{ChatID: m.Target.ChatID, ThreadID: m.Target.ThreadID}
	}

	res, sendErr := r.delivery.Send(ctx, target, m.Body)

	nowMS = r.now().UnixMilli()
	m.UpdatedAt = nowMS
	if sendErr == nil {
		m.Status = StatusSent
		m.SentAt = nowMS
		m.LastError = ""
	} else {
		kind := r.delivery.Classify(sendErr)
		m.LastError = fmt.Sprintf("%s: %v (%s)", kind, sendErr, kind.Suggestion())
		if m.Attempts >= m.MaxAttempts {
			m.Status = StatusError
		} else {
			m.Status = StatusScheduled
		}
	}

	persisted, perr := r.store.UpdateMessage(ctx, m)
	if perr != nil {
		r.log.Warn("outcome not persisted", logx.String("id", m.ID), logx.Err(perr))
	} else if !persisted {
		// Cancelled while the send was in flight; nothing left to update.
		r.log.Debug("record removed mid-attempt", logx.String("id", m.ID))
		return
	}

	r.record(ctx, m, target, res, sendErr)
}

// record writes the delivery-log entry and publishes the outcome hint.
func (r *Runner) record(ctx context.Context, m Message, target kit.ChatTarget, res kit.SendResult, sendErr error) {
	entry := storage.DeliveryEntry{
		At:        r.now().UnixMilli(),
		MessageID: m.ID,
		Target:    storage.Target{ChatID: target.ChatID, ThreadID: target.ThreadID},
	}
	out := eventbus.Outcome{MessageID: m.ID}

	if sendErr == nil {
		entry.Outcome = "sent"
		entry.ProviderMessageID = res.MessageID
		out.Sent = true
		r.log.Info("message delivered",
			logx.String("id", m.ID), logx.Int64("chat_id", target.ChatID),
			logx.Int("attempts", m.Attempts))
	} else {
		kind := r.delivery.Classify(sendErr)
		entry.Outcome = "error"
		entry.ErrorKind = string(kind)
		entry.Detail = sendErr.Error()
		out.ErrorKind = kind
		out.Detail = m.LastError
		if m.Status == StatusError {
			r.log.Warn("message failed permanently",
				logx.String("id", m.ID), logx.String("kind", string(kind)),
				logx.Int("attempts", m.Attempts), logx.Err(sendErr))
		} else {
			r.log.Warn("message attempt failed; will retry",
				logx.String("id", m.ID), logx.String("kind", string(kind)),
				logx.Int("attempts", m.Attempts), logx.Int("max_attempts", m.MaxAttempts),
				logx.Err(sendErr))
		}
	}

	if err := r.store.AppendDelivery(ctx, entry); err != nil {
		r.log.Debug("delivery log append failed", logx.Err(err))
	}
	if r.bus != nil {
		typ := eventbus.EvSent
		if sendErr != nil {
			typ = eventbus.EvError
		}
		r.bus.Publish(eventbus.Event{Type: typ, Data: out})
	}
}

func (r *Runner) logRemaining(ctx context.Context) {
	all, err := r.store.ListMessages(ctx)
	if err != nil {
		return
	}
	remaining := 0
	for _, m := range all {
		if m.Status == StatusScheduled {
			remaining++
		}
	}
	r.log.Debug("batch finished", logx.Int("still_scheduled", remaining))
}
