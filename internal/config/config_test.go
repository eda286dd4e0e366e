package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"telegram": {"token": "123:abc", "default_chat_id": -100500},
		"logging": {"level": "debug", "console": true},
		"outbox": {"tick_interval": "10s", "max_attempts": 5},
		"storage": {"driver": "sqlite", "path": "./db.sqlite"}
	}`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Telegram.DefaultChatID != -100500 {
		t.Fatalf("telegram section: %+v", cfg.Telegram)
	}
	if cfg.Outbox.TickInterval != "10s" || cfg.Outbox.MaxAttempts != 5 {
		t.Fatalf("outbox section: %+v", cfg.Outbox)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage section: %+v", cfg.Storage)
	}
}

func TestParseYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
  default_chat_id: -100500
logging:
  level: info
  console: true
outbox:
  send_delay: 500ms
storage:
  driver: bolt
  path: ./outbox.bolt
`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	if cfg.Telegram.DefaultChatID != -100500 || cfg.Outbox.SendDelay != "500ms" {
		t.Fatalf("yaml round trip: %+v", cfg)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.json", `{"telegram": {"token": "x", "tokeen": "typo"}}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatalf("unknown field accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := writeConfig(t, "config.json", `{"telegram": {"token": "x"}}{"more": true}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatalf("trailing data accepted")
	}
}

func TestWorkerEnabledTriState(t *testing.T) {
	var nilCfg *Config
	if !nilCfg.WorkerEnabled() {
		t.Fatalf("nil config must default to enabled")
	}
	if !(&Config{}).WorkerEnabled() {
		t.Fatalf("omitted worker section must default to enabled")
	}
	off := false
	if (&Config{Worker: &WorkerConfig{Enabled: &off}}).WorkerEnabled() {
		t.Fatalf("explicit false ignored")
	}
	on := true
	if !(&Config{Worker: &WorkerConfig{Enabled: &on}}).WorkerEnabled() {
		t.Fatalf("explicit true ignored")
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", " 30s "); err != nil || d != 30*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatalf("garbage accepted")
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatalf("negative accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: got %v, %v", d, err)
	}
}

func TestChangedSections(t *testing.T) {
	base := func() *Config {
		return &Config{
			Telegram: TelegramConfig{Token: "a"},
			Logging:  LoggingConfig{Level: "info"},
			Outbox:   OutboxConfig{TickInterval: "30s"},
			Storage:  StorageConfig{Driver: "sqlite", Path: "x"},
		}
	}

	if got := ChangedSections(base(), base()); len(got) != 0 {
		t.Fatalf("identical configs report changes: %v", got)
	}

	b := base()
	b.Telegram.Token = "b"
	b.Outbox.MaxAttempts = 9
	got := ChangedSections(base(), b)
	want := map[string]bool{"telegram": true, "outbox": true}
	if len(got) != 2 || !want[got[0]] || !want[got[1]] {
		t.Fatalf("changed = %v, want telegram+outbox", got)
	}

	if got := ChangedSections(nil, base()); len(got) != 1 || got[0] != "all" {
		t.Fatalf("nil old should report all: %v", got)
	}
}

func TestValidatorBlocksReload(t *testing.T) {
	path := writeConfig(t, "config.json", `{"logging": {"level": "info"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	rejected := false
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		rejected = true
		return os.ErrInvalid
	})

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if err := os.WriteFile(path, []byte(`{"logging": {"level": "debug"}}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload(context.Background())

	if !rejected {
		t.Fatalf("validator was not consulted")
	}
	select {
	case cfg := <-sub:
		t.Fatalf("rejected config was published: %+v", cfg)
	default:
	}
	if m.Get().Logging.Level != "info" {
		t.Fatalf("rejected config was committed")
	}
}

func TestReloadDedupesUnchangedContent(t *testing.T) {
	path := writeConfig(t, "config.json", `{"logging": {"level": "info"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	// Same bytes rewritten: the content hash suppresses the publish.
	m.reload(context.Background())
	select {
	case <-sub:
		t.Fatalf("unchanged content was republished")
	default:
	}

	if err := os.WriteFile(path, []byte(`{"logging": {"level": "warn"}}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload(context.Background())
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("published stale config: %+v", cfg)
		}
	default:
		t.Fatalf("changed content was not published")
	}
}
