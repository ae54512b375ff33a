// Package job implements the orchestrator's job registry and waiting queue.
//
// # Overview
//
// The job package owns the Job and Step model, the Store that registers
// every job, and the priority Queue holding jobs that wait for placement.
//
// # Store
//
// The Store serializes all state changes through Transition, which enforces
// the job state machine:
//
//	Pending -> Queued -> Assigned -> Running -> Success | Failed | Timeout
//	any non-terminal -> Cancelled
//	Failed -> Retry -> Queued   (while retry budget remains)
//
// Illegal transitions are rejected and do not mutate. Reads hand out clones
// so scheduler decisions never observe in-flight mutation.
//
// # Queue
//
// The Queue is a max-heap ordered by priority, FIFO within a priority band
// by push sequence. Requeue preserves the original sequence number so a job
// that found no agent this tick keeps its place in line.
package job
