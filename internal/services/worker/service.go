package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dutybot/internal/eventbus"
	"dutybot/internal/kit"
	"dutybot/internal/services/outbox"
	"dutybot/internal/storage"
	logx "dutybot/pkg/logx"
)

// Config controls the background worker.
type Config struct {
	// Interval is the wake cadence. The platform treats it as best-effort;
	// values below a minute are clamped up (default 5m).
	Interval time.Duration

	// SendDelay is the minimum gap between two sends from this loop.
	SendDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.Interval < time.Minute {
		c.Interval = time.Minute
	}
	return c
}

// DeliveryFactory builds a provider client from pushed credentials.
// Injected so tests can hand the worker a fake.
type DeliveryFactory func(token string) (kit.Delivery, error)

// Service is the background delivery loop.
//
// It deliberately shares no memory with the foreground service: it reads the
// durable store directly on every wake, and everything else it knows
// (provider credentials, default target, warm record snapshots) arrives over
// the sync channel. If the foreground context dies, this loop keeps draining
// due records on its own cadence.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log     logx.Logger
	store   storage.Store
	bus     eventbus.Bus
	factory DeliveryFactory
	now     func() time.Time

	delivery      kit.Delivery
	defaultTarget kit.ChatTarget

	c        *cron.Cron
	stopCh   chan struct{}
	runWG    sync.WaitGroup
	busUnsub func()
}

func New(cfg Config, store storage.Store, bus eventbus.Bus, factory DeliveryFactory, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log,
		store:   store,
		bus:     bus,
		factory: factory,
		now:     time.Now,
	}
}

// SetClock swaps the worker clock. Call before Start; tests only.
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Start registers the periodic wake-up and subscribes to the sync channel.
//
// Returns an error only when the cadence cannot be registered at all; the
// caller is expected to fall back to foreground-only operation in that case.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return nil
	}
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	interval := s.cfg.Interval

	s.c = cron.New(
		cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)),
	)
	spec := fmt.Sprintf("@every %s", interval.String())
	if _, err := s.c.AddFunc(spec, func() { s.wake(ctx) }); err != nil {
		s.c = nil
		s.stopCh = nil
		s.mu.Unlock()
		return fmt.Errorf("worker: register cadence %q: %w", spec, err)
	}

	busCh, unsub := s.bus.Subscribe(32)
	s.busUnsub = unsub
	s.mu.Unlock()

	s.runWG.Add(1)
	go s.listen(ctx, stopCh, busCh)

	s.c.Start()

	// Ask the foreground side for config + snapshot; until the config
	// arrives, wakes are skipped.
	s.bus.Publish(eventbus.Event{Type: eventbus.EvResync})

	s.log.Info("background worker started", logx.Duration("interval", interval))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	c := s.c
	s.c = nil
	unsub := s.busUnsub
	s.busUnsub = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if unsub != nil {
		unsub()
	}
	s.runWG.Wait()
	s.log.Info("background worker stopped")
}

// ApplyProvider installs provider credentials directly (same effect as a
// config event on the sync channel).
func (s *Service) ApplyProvider(cfg eventbus.ProviderConfig) {
	d, err := s.factory(cfg.Token)
	if err != nil {
		s.log.Warn("provider config rejected", logx.Err(err))
		return
	}
	s.mu.Lock()
	s.delivery = d
	s.defaultTarget = cfg.DefaultTarget
	s.mu.Unlock()
	s.log.Info("provider config applied", logx.Int64("default_chat", cfg.DefaultTarget.ChatID))
}

// Wake runs one background scan immediately. Exposed for tests and for an
// operator-triggered kick; the cron cadence calls the same path.
func (s *Service) Wake(ctx context.Context) { s.wake(ctx) }

func (s *Service) wake(ctx context.Context) {
	s.mu.Lock()
	delivery := s.delivery
	target := s.defaultTarget
	now := s.now
	sendDelay := s.cfg.SendDelay
	s.mu.Unlock()

	if delivery == nil {
		s.log.Debug("wake skipped: no provider config yet")
		return
	}

	// The worker never pre-flight gates: it may run under constrained
	// connectivity where the probe itself is the less reliable signal.
	r := outbox.NewRunner("worker", s.log, s.store, delivery, s.bus,
		outbox.NewLimiter(sendDelay), now, target, false)
	r.CheckDue(ctx, outbox.WakeTimer)
}

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
			case eventbus.EvConfigUpdated:
				if cfg, ok := ev.Data.(eventbus.ProviderConfig); ok {
					s.ApplyProvider(cfg)
				}
			case eventbus.EvSnapshot:
				// Advisory only; the store stays authoritative and the next
				// wake reads it directly.
				if msgs, ok := ev.Data.([]outbox.Message); ok {
					s.log.Debug("snapshot received", logx.Int("records", len(msgs)))
				}
			}
		}
	}
}
