package app

import (
	"time"

	"dutybot/internal/config"
	"dutybot/internal/eventbus"
	"dutybot/internal/kit"
	"dutybot/internal/services/outbox"
	"dutybot/internal/services/worker"
	"dutybot/internal/storage"
	logx "dutybot/pkg/logx"
)

// The map* helpers translate the raw JSON/YAML config into the typed configs
// the services take. They double as validation: the reload validator calls
// them so a bad duration rejects the whole reload instead of half-applying.

func mapOutboxConfig(cfg *config.Config) (outbox.Config, error) {
	if cfg == nil {
		return outbox.Config{}, nil
	}
	tick, err := config.ParseDurationOrDefault("outbox.tick_interval", cfg.Outbox.TickInterval, 30*time.Second)
	if err != nil {
		return outbox.Config{}, err
	}
	sendDelay, err := config.ParseDurationOrDefault("outbox.send_delay", cfg.Outbox.SendDelay, 2*time.Second)
	if err != nil {
		return outbox.Config{}, err
	}
	retention, err := config.ParseDurationOrDefault("outbox.retention", cfg.Outbox.Retention, 7*24*time.Hour)
	if err != nil {
		return outbox.Config{}, err
	}
	return outbox.Config{
		TickInterval: tick,
		SendDelay:    sendDelay,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
		Retention:    retention,
		Timezone:     cfg.Outbox.Timezone,
		DefaultTarget: kit.ChatTarget{
			ChatID:   cfg.Telegram.DefaultChatID,
			ThreadID: cfg.Telegram.DefaultThreadID,
		},
	}, nil
}

func mapWorkerConfig(cfg *config.Config) (worker.Config, error) {
	if cfg == nil {
		return worker.Config{}, nil
	}
	interval := 5 * time.Minute
	if cfg.Worker != nil {
		var err error
		interval, err = config.ParseDurationOrDefault("worker.interval", cfg.Worker.Interval, 5*time.Minute)
		if err != nil {
			return worker.Config{}, err
		}
	}
	sendDelay, err := config.ParseDurationOrDefault("outbox.send_delay", cfg.Outbox.SendDelay, 2*time.Second)
	if err != nil {
		return worker.Config{}, err
	}
	return worker.Config{Interval: interval, SendDelay: sendDelay}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:         cfg.Storage.Driver,
		Path:           cfg.Storage.Path,
		BusyTimeout:    busy,
		DeliveryLogCap: cfg.Outbox.DeliveryLogSize,
	}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	}
}

func providerConfig(cfg *config.Config) eventbus.ProviderConfig {
	return eventbus.ProviderConfig{
		Token: cfg.Telegram.Token,
		DefaultTarget: kit.ChatTarget{
			ChatID:   cfg.Telegram.DefaultChatID,
			ThreadID: cfg.Telegram.DefaultThreadID,
		},
	}
}
