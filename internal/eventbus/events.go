package eventbus

import "dutybot/internal/kit"

// Event types flowing between the foreground loop and the background worker.
//
// Direction is by convention: config/snapshot flow foreground -> worker,
// outcomes flow worker -> foreground, resync may be requested by either side.
const (
	// EvConfigUpdated carries ProviderConfig after startup and every config
	// change. The worker cannot prompt anyone, so it only ever learns
	// credentials this way.
	EvConfigUpdated = "sync.config.updated"

	// EvSnapshot carries a warm copy of the current outbox records so the
	// worker can reconcile without an immediate store read.
	EvSnapshot = "sync.outbox.snapshot"

	// EvSent / EvError report a delivery outcome (id + detail).
	EvSent  = "sync.outbox.sent"
	EvError = "sync.outbox.error"

	// EvResync asks the other side to re-push config and snapshot.
	EvResync = "sync.resync"
)

// ProviderConfig is the subset of configuration the background worker needs
// to build its own delivery client.
type ProviderConfig struct {
	Token         string
	DefaultTarget kit.ChatTarget
}

// Outcome reports one finished delivery attempt cycle.
type Outcome struct {
	MessageID string
	Sent      bool
	ErrorKind kit.ErrorKind
	Detail    string
}
