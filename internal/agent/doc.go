// Package agent manages the fleet of worker agents.
//
// # Overview
//
// The agent package owns the Agent model and the Pool, the registry every
// placement decision reads from. Agents are single-tenant workers bound
// 1:1 to an isolated session; the pool tracks their status, heartbeats,
// execution metrics and recycle lifecycle.
//
// # Pool
//
// Key operations:
//
//   - Register(a) / Unregister(id): fleet membership
//   - Pick(application): capability-filtered, ranked placement snapshot
//   - MarkBusy(agentID, jobID): commit a placement (fails on lost races)
//   - Release(agentID, jobID, duration, success): return an agent to Idle
//   - Heartbeat(agentID): liveness; recovers Offline agents
//   - Recycle(ctx, agentID): replace the underlying session in place
//
// Placement ranks idle candidates by descending success rate, then
// ascending jobs executed, then ascending average duration; id order breaks
// exact ties so the choice is deterministic.
//
// All mutations serialize under one lock. The pool performs no I/O while
// holding it: session calls happen with the lock released, and commits
// re-validate state afterwards.
package agent
