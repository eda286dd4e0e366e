// Package worker runs the background delivery loop.
//
// The worker is the safety net behind the foreground outbox service: it wakes
// on its own coarse cadence, scans the shared store for due records and
// delivers them even when the foreground side is stopped or wedged. It learns
// provider credentials exclusively through the sync channel, so it can be
// started before the configuration is known.
package worker
