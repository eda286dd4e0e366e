package config

import "encoding/json"

// ChangedSections reports which top-level config sections differ between two
// configs. Used on reload to decide what to re-apply (and what to announce to
// the background worker) without logging secrets.
func ChangedSections(old, new *Config) []string {
	if old == nil || new == nil {
		return []string{"all"}
	}
	var out []string
	if !jsonEqual(old.Telegram, new.Telegram) {
		out = append(out, "telegram")
	}
	if !jsonEqual(old.Logging, new.Logging) {
		out = append(out, "logging")
	}
	if !jsonEqual(old.Outbox, new.Outbox) {
		out = append(out, "outbox")
	}
	if !jsonEqual(old.Worker, new.Worker) {
		out = append(out, "worker")
	}
	if !jsonEqual(old.Storage, new.Storage) {
		out = append(out, "storage")
	}
	return out
}

func jsonEqual(a, b any) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ab) == string(bb)
}
