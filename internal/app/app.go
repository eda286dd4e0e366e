package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"dutybot/internal/adapters/telegram"
	"dutybot/internal/config"
	"dutybot/internal/eventbus"
	"dutybot/internal/kit"
	"dutybot/internal/services/outbox"
	"dutybot/internal/services/worker"
	"dutybot/internal/storage"
	logx "dutybot/pkg/logx"
)

// App wires the config manager, storage, the delivery client and the two
// delivery loops together, and owns their combined lifecycle.
type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service

	bus   eventbus.Bus
	store storage.Store

	outbox *outbox.Service
	worker *worker.Service

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", effectiveDriver(sc.Driver)))

	client, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token},
		log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	oc, err := mapOutboxConfig(cfg)
	if err != nil {
		return nil, err
	}
	outboxSvc := outbox.New(oc, store, client, bus, log.With(logx.String("comp", "outbox")))

	wc, err := mapWorkerConfig(cfg)
	if err != nil {
		return nil, err
	}
	tlog := log.With(logx.String("comp", "telegram"))
	factory := func(token string) (kit.Delivery, error) {
		return telegram.New(telegram.Config{Token: token}, tlog)
	}
	workerSvc := worker.New(wc, store, bus, factory, log.With(logx.String("comp", "worker")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		outbox:  outboxSvc,
		worker:  workerSvc,
	}, nil
}

// Outbox exposes the scheduling API for embedders and the CLI surface.
func (a *App) Outbox() *outbox.Service { return a.outbox }

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		cancel()
		return nil
	}
	a.cancel = cancel
	a.mu.Unlock()

	// Reject bad hot-reloads before commit/publish: every mapping helper
	// doubles as a validator, plus timezone which only the cron job reads.
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapOutboxConfig(cfg); err != nil {
			return err
		}
		if _, err := mapWorkerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if tz := strings.TrimSpace(cfg.Outbox.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("outbox.timezone: invalid %q: %w", tz, err)
			}
		}
		return nil
	})

	a.outbox.Start(runCtx)

	if cfg := a.cfgm.Get(); cfg.WorkerEnabled() {
		if err := a.worker.Start(runCtx); err != nil {
			// Foreground-only is a degraded but working mode.
			a.log.Warn("background worker unavailable; running foreground-only", logx.Err(err))
		}
	} else {
		a.log.Info("background worker disabled via config")
	}

	// Seed the worker with the current provider credentials. The worker also
	// asks via a resync event at start; publishing here closes the race where
	// its subscription came up after that request.
	a.bus.Publish(eventbus.Event{Type: eventbus.EvConfigUpdated, Data: providerConfig(a.cfgm.Get())})

	sub := a.cfgm.Subscribe(8)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	}()
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	a.log.Info("app started")
	return nil
}

// reloadLoop applies committed config updates to the running services.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the newest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections := config.ChangedSections(last, newCfg)
			last = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			a.applyReload(ctx, newCfg, sections)
			a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
		}
	}
}

func (a *App) applyReload(ctx context.Context, cfg *config.Config, sections []string) {
	changed := func(name string) bool {
		for _, s := range sections {
			if s == name || s == "all" {
				return true
			}
		}
		return false
	}

	if changed("logging") {
		a.logs.Apply(mapLogConfig(cfg))
	}

	if changed("storage") {
		// The store is opened once; swapping drivers under two live loops is
		// not worth the complexity.
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	if changed("telegram") {
		client, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token},
			a.log.With(logx.String("comp", "telegram")))
		if err != nil {
			a.log.Warn("invalid telegram config; keeping previous client", logx.Err(err))
		} else {
			a.outbox.SetDelivery(client)
		}
		// The worker rebuilds its own client from the announced credentials.
		a.bus.Publish(eventbus.Event{Type: eventbus.EvConfigUpdated, Data: providerConfig(cfg)})
	}

	if changed("outbox") || changed("telegram") {
		// Validator already ran; a mapping error here means a logic bug.
		if oc, err := mapOutboxConfig(cfg); err == nil {
			a.outbox.Apply(oc)
		}
	}

	// A reload is also a sign the host is awake; catch up immediately.
	a.outbox.CheckNow(outbox.WakeResume)
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(ctx, 5*time.Second)
	defer stopCancel()

	a.worker.Stop(stopCtx)
	a.outbox.Stop(stopCtx)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-stopCtx.Done():
		a.log.Warn("config goroutines did not stop in time")
	}

	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

func effectiveDriver(d string) string {
	if strings.TrimSpace(d) == "" {
		return "memory"
	}
	return d
}
