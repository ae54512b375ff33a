// Package health runs the orchestrator's periodic hygiene sweeps.
//
// # Overview
//
// The Monitor schedules four independent cadences: agent liveness (stale
// heartbeats are status-polled, then marked Offline), session recycling
// (inactivity or job budget), job timeouts, and history/orphan cleanup.
// A failure in one sweep is logged and aggregated; it never aborts the
// others.
//
// The Supervisor is the home for every background task the orchestrator
// spawns. Tasks get a cancellable context and are awaited at shutdown, so
// there are no orphan lifetimes.
package health
