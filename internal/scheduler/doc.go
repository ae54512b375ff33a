// Package scheduler places queued jobs onto idle agents.
//
// # Overview
//
// One long-running loop drains the priority queue on a configurable tick
// and on every enqueue wake. Placement follows the snapshot-commit rule:
// decisions are made on pool snapshots, commits re-validate agent state,
// and transport I/O never runs with a lock held. A commit that finds the
// world changed requeues the job with its original sequence number.
//
// The scheduler is also the job store's terminal observer: when a job
// completes it releases the owning agent, schedules a retry with decayed
// priority while budget remains, and fires the webhook observer otherwise.
package scheduler
