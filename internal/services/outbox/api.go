package outbox

import (
	"context"
	"sort"
	"time"

	"dutybot/internal/storage"
	logx "dutybot/pkg/logx"
)

// Schedule validates and stores a new record for delivery at dueAt.
//
// It returns ("", false) on validation failure: a due time not strictly in
// the future, or an empty body. Invalid requests never enter the store.
// metadata is carried through unchanged; the scheduler never interprets it.
func (s *Service) Schedule(ctx context.Context, dueAt time.Time, body string, target *Target, metadata map[string]string) (string, bool) {
	now := s.clock()()
	if !dueAt.After(now) {
		s.log.Debug("schedule rejected: due time not in the future",
			logx.Time("due_at", dueAt), logx.Time("now", now))
		return "", false
	}
	if !validBody(body) {
		s.log.Debug("schedule rejected: empty body")
		return "", false
	}

	s.mu.Lock()
	maxAttempts := s.cfg.MaxAttempts
	s.mu.Unlock()

	m := newMessage(now, dueAt, body, target, metadata, maxAttempts)
	if err := s.store.AddMessage(ctx, m); err != nil {
		// Storage degradation: report failure to the caller rather than
		// pretending the record is durable.
		s.log.Warn("schedule not persisted", logx.String("id", m.ID), logx.Err(err))
		return "", false
	}

	s.log.Info("message scheduled",
		logx.String("id", m.ID), logx.Time("due_at", dueAt),
		logx.Int("max_attempts", maxAttempts))
	return m.ID, true
}

// Cancel removes a record, reporting whether it existed. A loop that already
// picked the record into its current batch will finish its in-flight attempt,
// but its status writes land on a missing record and become no-ops.
func (s *Service) Cancel(ctx context.Context, id string) bool {
	existed, err := s.store.RemoveMessage(ctx, id)
	if err != nil {
		s.log.Warn("cancel failed", logx.String("id", id), logx.Err(err))
		return false
	}
	if existed {
		s.log.Info("message cancelled", logx.String("id", id))
	}
	return existed
}

// Retry re-arms a terminal error record back to scheduled.
//
// The attempt counter is preserved (resetting it risks an unbounded
// error/retry loop against a permanently broken provider); the next delivery
// cycle grants exactly one more send, and a failure parks the record in
// error again immediately.
func (s *Service) Retry(ctx context.Context, id string) bool {
	m, ok, err := s.store.GetMessage(ctx, id)
	if err != nil {
		s.log.Warn("retry lookup failed", logx.String("id", id), logx.Err(err))
		return false
	}
	if !ok || m.Status != StatusError {
		return false
	}

	m.Status = StatusScheduled
	m.UpdatedAt = s.clock()().UnixMilli()
	existed, err := s.store.UpdateMessage(ctx, m)
	if err != nil || !existed {
		s.log.Warn("retry not persisted", logx.String("id", id), logx.Err(err))
		return false
	}

	s.log.Info("message re-armed", logx.String("id", id), logx.Int("attempts", m.Attempts))
	s.CheckNow(WakeManual)
	return true
}

// List returns all records, newest due first. Storage errors degrade to an
// empty listing.
func (s *Service) List(ctx context.Context) []Message {
	msgs, err := s.store.ListMessages(ctx)
	if err != nil {
		s.log.Warn("list failed", logx.Err(err))
		return nil
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].DueAt > msgs[j].DueAt })
	return msgs
}

// ListByStatus filters List by status.
func (s *Service) ListByStatus(ctx context.Context, st Status) []Message {
	var out []Message
	for _, m := range s.List(ctx) {
		if m.Status == st {
			out = append(out, m)
		}
	}
	return out
}

// GetStats returns record counts by status.
func (s *Service) GetStats(ctx context.Context) Stats {
	var st Stats
	msgs, err := s.store.ListMessages(ctx)
	if err != nil {
		s.log.Warn("stats read failed", logx.Err(err))
		return st
	}
	for _, m := range msgs {
		switch m.Status {
		case StatusScheduled:
			st.Scheduled++
		case StatusSending:
			st.Sending++
		case StatusSent:
			st.Sent++
		case StatusError:
			st.Error++
		}
	}
	return st
}

// RecentDeliveries returns up to n newest delivery-log entries, newest first.
func (s *Service) RecentDeliveries(ctx context.Context, n int) []storage.DeliveryEntry {
	entries, err := s.store.RecentDeliveries(ctx, n)
	if err != nil {
		s.log.Warn("delivery log read failed", logx.Err(err))
		return nil
	}
	return entries
}
