package outbox

import (
	"context"

	logx "dutybot/pkg/logx"
)

// restore logs the pending/overdue picture at startup for observability.
// It takes no corrective action: whatever is due gets picked up by the first
// scan a moment later.
func (s *Service) restore(ctx context.Context) {
	msgs, err := s.store.ListMessages(ctx)
	if err != nil {
		s.log.Warn("restore scan failed", logx.Err(err))
		return
	}

	nowMS := s.clock()().UnixMilli()
	pending, overdue := 0, 0
	for _, m := range msgs {
		if m.Status != StatusScheduled {
			continue
		}
		pending++
		if m.DueAt <= nowMS {
			overdue++
		}
	}
	if pending > 0 {
		s.log.Info("restored pending records",
			logx.Int("pending", pending), logx.Int("overdue", overdue))
	}
}

// PruneOld removes sent records whose SentAt is older than the retention
// window. scheduled and error records are never pruned automatically, no
// matter how old: error records in particular stay visible until an operator
// retries or cancels them.
func (s *Service) PruneOld(ctx context.Context) (int, error) {
	s.mu.Lock()
	retention := s.cfg.Retention
	s.mu.Unlock()

	msgs, err := s.store.ListMessages(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := s.clock()().Add(-retention).UnixMilli()
	kept := msgs[:0:0]
	removed := 0
	for _, m := range msgs {
		if m.Status == StatusSent && m.SentAt > 0 && m.SentAt < cutoff {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.store.ReplaceMessages(ctx, kept); err != nil {
		return 0, err
	}
	return removed, nil
}
