// ABOUTME: Dispatch loop draining the priority queue onto idle agents.
// ABOUTME: Owns retries with priority decay, requeues, and cancellation.

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/martingrgv/Strategic-RPA/internal/agent"
	"github.com/martingrgv/Strategic-RPA/internal/job"
	"github.com/martingrgv/Strategic-RPA/internal/transport"
)

// DefaultTick is the dispatch loop interval when no enqueue wakes it first.
const DefaultTick = 5 * time.Second

// sessionAssigner is the slice of the session manager the scheduler needs.
type sessionAssigner interface {
	Assign(sessionID, agentID string) error
}

// NotifyFunc observes a job reaching a terminal status with no retry left.
// The orchestrator wires it to the webhook notifier.
type NotifyFunc func(j *job.Job)

// SpawnFunc runs fn on a supervised background task. The orchestrator
// wires it to its task supervisor; tests may run fn inline.
type SpawnFunc func(name string, fn func(ctx context.Context))

// Scheduler drains the queue onto idle agents and reacts to job outcomes.
type Scheduler struct {
	jobs      *job.Store
	queue     *job.Queue
	pool      *agent.Pool
	sessions  sessionAssigner
	transport transport.Transport
	logger    *slog.Logger

	tick  time.Duration
	wake  chan struct{}
	spawn SpawnFunc

	mu     sync.Mutex
	notify NotifyFunc
}

// New creates a scheduler and wires itself as the job store's terminal
// observer so completed jobs release their agents and retry when allowed.
func New(jobs *job.Store, queue *job.Queue, pool *agent.Pool, sessions sessionAssigner, tr transport.Transport, tick time.Duration, logger *slog.Logger) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	s := &Scheduler{
		jobs:      jobs,
		queue:     queue,
		pool:      pool,
		sessions:  sessions,
		transport: tr,
		logger:    logger,
		tick:      tick,
		wake:      make(chan struct{}, 1),
		spawn: func(name string, fn func(ctx context.Context)) {
			go fn(context.Background())
		},
	}
	jobs.SetTerminalFunc(s.handleTerminal)
	return s
}

// SetNotifyFunc wires the terminal-job observer (webhook delivery).
func (s *Scheduler) SetNotifyFunc(fn NotifyFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = fn
}

// SetSpawnFunc wires background task spawning to a supervisor.
func (s *Scheduler) SetSpawnFunc(fn SpawnFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawn = fn
}

func (s *Scheduler) notifyFunc() NotifyFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

func (s *Scheduler) spawnFunc() SpawnFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawn
}

// Enqueue moves a pending job into the queue and wakes the loop.
func (s *Scheduler) Enqueue(jobID string) error {
	j, err := s.jobs.Get(jobID)
	if err != nil {
		return err
	}
	if err := s.jobs.Transition(jobID, job.StatusQueued, job.TransitionOpts{}); err != nil {
		return err
	}
	s.queue.Push(jobID, j.Priority)
	s.Wake()

	s.logger.Info("job queued",
		"job_id", jobID,
		"priority", j.Priority.String(),
		"queue_depth", s.queue.Size(),
	)
	return nil
}

// Wake nudges the dispatch loop without waiting for the next tick.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the dispatch loop until ctx is cancelled. The in-flight tick
// drains before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "tick", s.tick)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.DispatchOnce(ctx)
		case <-s.wake:
			s.DispatchOnce(ctx)
		}
	}
}

// DispatchOnce offers every queued job to the pool. Each queued job is
// popped at most once per call; jobs that fit no agent go back with
// their original sequence so FIFO order inside a priority band holds.
func (s *Scheduler) DispatchOnce(ctx context.Context) {
	attempts := s.queue.Size()
	for i := 0; i < attempts; i++ {
		entry, ok := s.queue.Pop()
		if !ok {
			return
		}
		s.dispatch(ctx, entry)
	}
}

// dispatch places one queue entry. Decisions are made on snapshots with no
// locks held across transport I/O; commits re-validate and abandon on lost
// races.
func (s *Scheduler) dispatch(ctx context.Context, entry job.QueueEntry) {
	j, err := s.jobs.Get(entry.JobID)
	if err != nil {
		// Pruned while queued; drop the entry.
		return
	}
	if j.Status != job.StatusQueued {
		// Cancelled while waiting; drop the entry.
		return
	}

	picked, err := s.pool.Pick(j.ApplicationPath)
	if err != nil {
		// No capacity for this job right now; keep its place in line.
		s.queue.Requeue(entry)
		return
	}

	if err := s.jobs.Transition(j.ID, job.StatusAssigned, job.TransitionOpts{AgentID: picked.ID}); err != nil {
		s.logger.Warn("assign transition failed", "job_id", j.ID, "error", err)
		return
	}
	if err := s.pool.MarkBusy(picked.ID, j.ID); err != nil {
		// Lost the race for this agent; put the job back untouched.
		if err := s.jobs.Transition(j.ID, job.StatusQueued, job.TransitionOpts{}); err != nil {
			s.logger.Error("requeue after lost race failed", "job_id", j.ID, "error", err)
			return
		}
		s.queue.Requeue(entry)
		return
	}

	// Snapshot for the wire after the assign stamped its fields.
	wire, err := s.jobs.Get(j.ID)
	if err != nil {
		return
	}

	ep := transport.Endpoint{AgentID: picked.ID, URL: picked.EndpointURL}
	sendErr := s.transport.Send(ctx, ep, wire)
	if sendErr == nil {
		if err := s.jobs.Transition(j.ID, job.StatusRunning, job.TransitionOpts{}); err != nil {
			s.logger.Error("running transition failed", "job_id", j.ID, "error", err)
			return
		}
		if err := s.sessions.Assign(picked.SessionID, picked.ID); err != nil {
			s.logger.Warn("session assign failed", "session_id", picked.SessionID, "error", err)
		}
		s.logger.Info("job dispatched",
			"job_id", j.ID,
			"agent_id", picked.ID,
			"application", j.ApplicationPath,
		)
		return
	}

	// Dispatch failed: undo the placement and requeue the job.
	if err := s.jobs.Transition(j.ID, job.StatusQueued, job.TransitionOpts{}); err != nil {
		s.logger.Error("requeue after send failure failed", "job_id", j.ID, "error", err)
	} else {
		s.queue.Requeue(entry)
	}

	if errors.Is(sendErr, transport.ErrSendRejected) {
		// The agent answered; it is healthy but will not take this job.
		_ = s.pool.Unmark(picked.ID, j.ID)
	} else {
		_ = s.pool.MarkError(picked.ID, fmt.Sprintf("send failed: %v", sendErr))
	}
	s.logger.Warn("job dispatch failed",
		"job_id", j.ID,
		"agent_id", picked.ID,
		"error", sendErr,
	)
}

// HandleStatusCallback applies an agent-side completion notification.
// Duplicate deliveries for already-terminal jobs surface as
// job.ErrIllegalTransition; the ingress treats those as acknowledged.
func (s *Scheduler) HandleStatusCallback(jobID string, status job.Status, result, errorMessage string) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: callback status %s is not terminal", job.ErrIllegalTransition, status)
	}
	return s.jobs.Transition(jobID, status, job.TransitionOpts{Result: result, Error: errorMessage})
}

// handleTerminal is the job store's terminal observer. It releases the
// agent that held the job, schedules a retry when budget remains, and
// notifies the webhook observer otherwise.
func (s *Scheduler) handleTerminal(j *job.Job, agentID string) {
	if agentID != "" {
		duration := jobDuration(j)
		success := j.Status == job.StatusSuccess
		if err := s.pool.Release(agentID, j.ID, duration, success); err != nil {
			s.logger.Warn("agent release failed", "agent_id", agentID, "job_id", j.ID, "error", err)
		}
	}

	if j.Status == job.StatusFailed && j.RetryCount < j.MaxRetries {
		s.retry(j.ID)
		return
	}

	s.logger.Info("job finished",
		"job_id", j.ID,
		"status", j.Status,
		"retries", j.RetryCount,
	)
	if fn := s.notifyFunc(); fn != nil {
		fn(j)
	}
}

// retry re-queues a failed job with decayed priority.
func (s *Scheduler) retry(jobID string) {
	if err := s.jobs.Transition(jobID, job.StatusRetry, job.TransitionOpts{}); err != nil {
		s.logger.Warn("retry transition failed", "job_id", jobID, "error", err)
		return
	}
	j, err := s.jobs.Get(jobID)
	if err != nil {
		return
	}
	if err := s.jobs.Transition(jobID, job.StatusQueued, job.TransitionOpts{}); err != nil {
		s.logger.Warn("retry requeue failed", "job_id", jobID, "error", err)
		return
	}
	s.queue.Push(jobID, j.Priority)
	s.Wake()

	s.logger.Info("job retrying",
		"job_id", jobID,
		"attempt", j.RetryCount,
		"priority", j.Priority.String(),
	)
}

// Cancel flips a non-terminal job to Cancelled. The in-flight transport
// cancel, if any, is best-effort and fire-and-forget. Cancelling an
// already-cancelled job reports success without touching timestamps.
func (s *Scheduler) Cancel(jobID string) (bool, error) {
	j, err := s.jobs.Get(jobID)
	if err != nil {
		return false, err
	}
	if j.Status.Terminal() {
		return j.Status == job.StatusCancelled, nil
	}

	inFlightAgent := j.AssignedAgentID

	if err := s.jobs.Transition(jobID, job.StatusCancelled, job.TransitionOpts{}); err != nil {
		if errors.Is(err, job.ErrIllegalTransition) {
			// Raced with a terminal callback.
			j, getErr := s.jobs.Get(jobID)
			if getErr == nil && j.Status == job.StatusCancelled {
				return true, nil
			}
			return false, nil
		}
		return false, err
	}
	s.queue.Remove(jobID)

	if inFlightAgent != "" {
		if a, err := s.pool.Get(inFlightAgent); err == nil {
			ep := transport.Endpoint{AgentID: a.ID, URL: a.EndpointURL}
			s.spawnFunc()("cancel-"+jobID, func(ctx context.Context) {
				if err := s.transport.Cancel(ctx, ep, jobID); err != nil {
					s.logger.Debug("transport cancel failed", "job_id", jobID, "error", err)
				}
			})
		}
	}

	s.logger.Info("job cancelled", "job_id", jobID)
	return true, nil
}

// jobDuration measures how long the agent held the job.
func jobDuration(j *job.Job) time.Duration {
	if j.CompletedAt == nil {
		return 0
	}
	start := j.CreatedAt
	if j.StartedAt != nil {
		start = *j.StartedAt
	} else if j.AssignedAt != nil {
		start = *j.AssignedAt
	}
	d := j.CompletedAt.Sub(start)
	if d < 0 {
		return 0
	}
	return d
}
