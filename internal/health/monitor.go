// ABOUTME: Health monitor: periodic sweeps over agents, sessions and jobs.
// ABOUTME: Runs each sweep on its own cadence; one sweep's errors never stop another.

package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kushsharma/parallel"
	"github.com/robfig/cron/v3"

	"github.com/martingrgv/Strategic-RPA/internal/agent"
	"github.com/martingrgv/Strategic-RPA/internal/job"
	"github.com/martingrgv/Strategic-RPA/internal/session"
	"github.com/martingrgv/Strategic-RPA/internal/transport"
)

// statusPollLimit bounds how many stale agents are polled concurrently.
const statusPollLimit = 8

// Config carries the sweep cadences and thresholds.
type Config struct {
	AgentSweepInterval time.Duration // default 2m
	JobSweepInterval   time.Duration // default 2m
	CleanupInterval    time.Duration // default 4h

	HeartbeatTimeout  time.Duration // default 5m
	InactivityTimeout time.Duration // default 2h
	SessionMaxJobs    int           // default 50
	JobTimeout        time.Duration // default 30m
	MaxHistory        int           // default 1000
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.AgentSweepInterval <= 0 {
		c.AgentSweepInterval = 2 * time.Minute
	}
	if c.JobSweepInterval <= 0 {
		c.JobSweepInterval = 2 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 4 * time.Hour
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 5 * time.Minute
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 2 * time.Hour
	}
	if c.SessionMaxJobs <= 0 {
		c.SessionMaxJobs = 50
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Minute
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = 1000
	}
	return c
}

// Monitor ages out stale agents, timed-out jobs and orphan sessions.
type Monitor struct {
	cfg       Config
	jobs      *job.Store
	pool      *agent.Pool
	sessions  *session.Manager
	transport transport.Transport
	sup       *Supervisor
	logger    *slog.Logger

	cron *cron.Cron
}

// NewMonitor creates a health monitor. Start schedules the sweeps.
func NewMonitor(cfg Config, jobs *job.Store, pool *agent.Pool, sessions *session.Manager, tr transport.Transport, sup *Supervisor, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:       cfg.withDefaults(),
		jobs:      jobs,
		pool:      pool,
		sessions:  sessions,
		transport: tr,
		sup:       sup,
		logger:    logger,
	}
}

// Start schedules the sweeps on their independent cadences. Each firing
// runs as a supervised task so shutdown can await in-flight sweeps.
func (m *Monitor) Start() error {
	m.cron = cron.New()

	schedule := func(name, spec string, sweep func(ctx context.Context) error) error {
		_, err := m.cron.AddFunc(spec, func() {
			m.sup.Go(name, func(ctx context.Context) {
				if err := sweep(ctx); err != nil {
					m.logger.Warn("sweep finished with errors", "sweep", name, "error", err)
				}
			})
		})
		return err
	}

	if err := schedule("agent-sweep", every(m.cfg.AgentSweepInterval), m.SweepAgents); err != nil {
		return fmt.Errorf("scheduling agent sweep: %w", err)
	}
	if err := schedule("session-sweep", every(m.cfg.AgentSweepInterval), m.SweepSessions); err != nil {
		return fmt.Errorf("scheduling session sweep: %w", err)
	}
	if err := schedule("job-sweep", every(m.cfg.JobSweepInterval), m.SweepJobs); err != nil {
		return fmt.Errorf("scheduling job sweep: %w", err)
	}
	if err := schedule("cleanup", every(m.cfg.CleanupInterval), m.Cleanup); err != nil {
		return fmt.Errorf("scheduling cleanup: %w", err)
	}

	m.cron.Start()
	m.logger.Info("health monitor started",
		"agent_sweep", m.cfg.AgentSweepInterval,
		"job_sweep", m.cfg.JobSweepInterval,
		"cleanup", m.cfg.CleanupInterval,
	)
	return nil
}

// Stop halts the cadences. In-flight sweeps drain via the supervisor.
func (m *Monitor) Stop() {
	if m.cron != nil {
		m.cron.Stop()
	}
}

func every(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}

// SweepAgents polls every agent with a stale heartbeat. A responsive
// agent counts as a late heartbeat; an unreachable one goes Offline and
// its in-flight job is failed so the retry path can re-place it.
func (m *Monitor) SweepAgents(ctx context.Context) error {
	stale := m.pool.StaleAgents(m.cfg.HeartbeatTimeout)
	if len(stale) == 0 {
		return nil
	}

	runner := parallel.NewRunner(parallel.WithLimit(statusPollLimit))
	for _, a := range stale {
		runner.Add(func(a *agent.Agent) func() (interface{}, error) {
			return func() (interface{}, error) {
				ep := transport.Endpoint{AgentID: a.ID, URL: a.EndpointURL}
				if _, err := m.transport.Status(ctx, ep); err == nil {
					return a.ID, m.pool.Heartbeat(a.ID)
				}
				return a.ID, m.markOffline(a.ID)
			}
		}(a))
	}

	var errs error
	for _, state := range runner.Run() {
		if state.Err != nil {
			errs = multierror.Append(errs, state.Err)
		}
	}
	return errs
}

// markOffline transitions the agent and fails the job it was holding.
func (m *Monitor) markOffline(agentID string) error {
	orphanedJob, err := m.pool.MarkOffline(agentID, "heartbeat timeout")
	if err != nil {
		return fmt.Errorf("marking %s offline: %w", agentID, err)
	}
	if orphanedJob == "" {
		return nil
	}
	err = m.jobs.Transition(orphanedJob, job.StatusFailed, job.TransitionOpts{Error: "agent went offline"})
	if err != nil {
		return fmt.Errorf("failing orphaned job %s: %w", orphanedJob, err)
	}
	return nil
}

// SweepSessions health-checks the fleet's sessions, then recycles those
// that sat inactive too long or crossed their job budget. Sessions bound
// to an agent recycle through the pool so agent state tracks the
// operation; unbound active sessions recycle directly.
func (m *Monitor) SweepSessions(ctx context.Context) error {
	var errs error

	// An unhealthy report marks the session but destroys nothing; the
	// recycle and orphan policies below decide what happens to it.
	for _, s := range m.sessions.List() {
		if s.Status != session.StatusActive {
			continue
		}
		healthy, err := m.sessions.CheckHealth(ctx, s.ID)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if !healthy {
			m.logger.Warn("session unhealthy", "session_id", s.ID, "host_user", s.HostUser, "generation", s.Generation)
		}
	}

	for _, s := range m.sessions.RecycleCandidates(m.cfg.InactivityTimeout, m.cfg.SessionMaxJobs) {
		if a, bound := m.pool.AgentForSession(s.ID); bound {
			if a.Status != agent.StatusIdle {
				continue
			}
			agentID := a.ID
			m.sup.Go("recycle-"+agentID, func(ctx context.Context) {
				if err := m.pool.Recycle(ctx, agentID); err != nil {
					m.logger.Warn("scheduled agent recycle failed", "agent_id", agentID, "error", err)
				}
			})
			continue
		}
		if err := m.sessions.Recycle(ctx, s.ID); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// SweepJobs times out jobs that have been Running longer than the job
// timeout, releases their agents and tells the agent to stop, best-effort.
func (m *Monitor) SweepJobs(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-m.cfg.JobTimeout)

	var errs error
	for _, j := range m.jobs.ByStatus(job.StatusRunning) {
		if j.StartedAt == nil || j.StartedAt.After(cutoff) {
			continue
		}
		agentID := j.AssignedAgentID
		if err := m.jobs.Transition(j.ID, job.StatusTimeout, job.TransitionOpts{}); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("timing out job %s: %w", j.ID, err))
			continue
		}
		m.logger.Warn("job timed out", "job_id", j.ID, "agent_id", agentID)

		if agentID == "" {
			continue
		}
		if a, err := m.pool.Get(agentID); err == nil {
			jobID := j.ID
			ep := transport.Endpoint{AgentID: a.ID, URL: a.EndpointURL}
			m.sup.Go("timeout-cancel-"+jobID, func(ctx context.Context) {
				if err := m.transport.Cancel(ctx, ep, jobID); err != nil {
					m.logger.Debug("timeout cancel failed", "job_id", jobID, "error", err)
				}
			})
		}
	}
	return errs
}

// Cleanup prunes terminal job history and terminates orphan sessions that
// no agent holds.
func (m *Monitor) Cleanup(ctx context.Context) error {
	if removed := m.jobs.Prune(m.cfg.MaxHistory); removed > 0 {
		m.logger.Info("job history pruned", "removed", removed, "max_history", m.cfg.MaxHistory)
	}

	var errs error
	for _, s := range m.sessions.List() {
		switch s.Status {
		case session.StatusTerminated, session.StatusTerminating:
			continue
		}
		if _, bound := m.pool.AgentForSession(s.ID); bound {
			continue
		}
		m.logger.Warn("terminating orphan session", "session_id", s.ID, "host_user", s.HostUser)
		if err := m.sessions.Terminate(ctx, s.ID); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}
