package outbox

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"dutybot/internal/eventbus"
	"dutybot/internal/kit"
	"dutybot/internal/storage"
	logx "dutybot/pkg/logx"
)

func New(cfg Config, store storage.Store, delivery kit.Delivery, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:      log,
		store:    store,
		delivery: delivery,
		bus:      bus,
		now:      time.Now,
	}
	s.applyLocked(cfg)
	return s
}

// SetClock swaps the service clock. Call before Start; tests only.
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.applyLocked(s.cfg)
	s.mu.Unlock()
}

// SetDelivery swaps the delivery client (e.g. after the provider token
// changed on a config reload). Records in flight finish on the old client.
func (s *Service) SetDelivery(d kit.Delivery) {
	s.mu.Lock()
	s.delivery = d
	s.applyLocked(s.cfg)
	s.mu.Unlock()
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	s.cfg = cfg.withDefaults()
	s.runner = NewRunner("foreground", s.log, s.store, s.delivery, s.bus,
		NewLimiter(s.cfg.SendDelay), s.now, s.cfg.DefaultTarget, true)
}

// Start launches the foreground loop, the daily prune job and the bus
// listener. It is idempotent: a second call while running is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.checkCh = make(chan WakeReason, 4)
	stopCh := s.stopCh
	checkCh := s.checkCh
	tick := s.cfg.TickInterval

	s.c = cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithLocation(s.loadLocationLocked()),
	)
	// Retention sweep once a night, off-peak.
	if _, err := s.c.AddFunc("30 3 * * *", func() {
		if n, err := s.PruneOld(context.Background()); err == nil && n > 0 {
			s.log.Info("pruned delivered records", logx.Int("removed", n))
		}
	}); err != nil {
		s.log.Warn("prune job registration failed", logx.Err(err))
	}
	s.c.Start()

	s.busCh, s.busUnsub = s.bus.Subscribe(32)
	busCh := s.busCh
	s.mu.Unlock()

	s.restore(ctx)
	if n, err := s.PruneOld(ctx); err == nil && n > 0 {
		s.log.Info("pruned delivered records at startup", logx.Int("removed", n))
	}

	s.runWG.Add(2)
	go s.run(ctx, stopCh, checkCh, tick)
	go s.listen(ctx, stopCh, busCh)

	// First scan shortly after startup, without waiting a full tick.
	s.CheckNow(WakeResume)

	s.log.Info("outbox started",
		logx.Duration("tick", tick),
		logx.Duration("send_delay", s.cfg.SendDelay),
		logx.Int("max_attempts", s.cfg.MaxAttempts))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	if s.c != nil {
		cronStop := s.c.Stop()
		s.c = nil
		s.mu.Unlock()
		select {
		case <-cronStop.Done():
		case <-ctx.Done():
		}
		s.mu.Lock()
	}
	if s.busUnsub != nil {
		s.busUnsub()
		s.busUnsub = nil
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("outbox stopped")
	case <-ctx.Done():
		s.log.Warn("outbox stop cancelled", logx.Any("err", ctx.Err()))
	}
}

// run is the foreground loop: a fixed-interval ticker plus the edge-triggered
// CheckNow channel, both feeding the same checkDue entry point.
func (s *Service) run(ctx context.Context, stopCh <-chan struct{}, checkCh <-chan WakeReason, tick time.Duration) {
	defer s.runWG.Done()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.currentRunner().CheckDue(ctx, WakeTimer)
		case reason := <-checkCh:
			s.currentRunner().CheckDue(ctx, reason)
		}
	}
}

// listen consumes sync-channel hints: outcomes reported by the background
// worker (logged; the store already holds the truth) and resync requests
// (answered with a fresh snapshot).
func (s *Service) listen(ctx context.Context, stopCh <-chan struct{}, busCh <-chan eventbus.Event) {
	defer s.runWG.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case ev, ok := <-busCh:
			if !ok {
				return
			}
			switch ev.Type {
			case eventbus.EvSent, eventbus.EvError:
				if out, ok := ev.Data.(eventbus.Outcome); ok {
					s.log.Debug("outcome hint received",
						logx.String("id", out.MessageID), logx.Bool("sent", out.Sent))
				}
			case eventbus.EvResync:
				s.PushSnapshot(ctx)
			}
		}
	}
}

// CheckNow triggers an immediate out-of-cycle scan. Used right after
// scheduling and for debugging. Non-blocking: if a check is already queued
// the extra wake collapses into it.
func (s *Service) CheckNow(reason WakeReason) {
	s.mu.Lock()
	ch := s.checkCh
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- reason:
	default:
	}
}

// PushSnapshot publishes a warm copy of the current records for the worker.
func (s *Service) PushSnapshot(ctx context.Context) {
	msgs, err := s.store.ListMessages(ctx)
	if err != nil {
		s.log.Debug("snapshot read failed", logx.Err(err))
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.EvSnapshot, Data: msgs})
}

func (s *Service) currentRunner() *Runner {
	s.mu.Lock()
	r := s.runner
	s.mu.Unlock()
	return r
}

func (s *Service) clock() func() time.Time {
	s.mu.Lock()
	now := s.now
	s.mu.Unlock()
	return now
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
