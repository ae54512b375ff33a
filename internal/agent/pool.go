// ABOUTME: Agent pool: registry, capability-based placement, heartbeats, recycling.
// ABOUTME: All mutations serialize under one lock; reads and picks return snapshots.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrAgentAlreadyRegistered indicates an agent with the same id exists.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// ErrAgentNotIdle indicates a placement commit lost the race: the agent
// changed state between the pick snapshot and the commit.
var ErrAgentNotIdle = errors.New("agent is not idle")

// DefaultRecycleThreshold is the jobs-executed count after which an agent's
// session is recycled.
const DefaultRecycleThreshold = 50

// SessionBinder is the slice of the session manager the pool needs:
// releasing a session after a job and recycling it when an agent is recycled.
type SessionBinder interface {
	Release(sessionID string) error
	Recycle(ctx context.Context, sessionID string) error
}

// RecycleFunc is invoked when an agent crosses the recycle threshold. The
// orchestrator wires it to a supervised background task that calls
// Pool.Recycle.
type RecycleFunc func(agentID string)

// Pool is the registry of agents. It owns every Agent; placement decisions
// are made on consistent snapshots.
type Pool struct {
	mu     sync.Mutex
	agents map[string]*Agent
	logger *slog.Logger

	sessions         SessionBinder
	recycleThreshold int
	onRecycle        RecycleFunc

	now func() time.Time
}

// NewPool creates an empty pool bound to the given session manager.
func NewPool(sessions SessionBinder, logger *slog.Logger) *Pool {
	return &Pool{
		agents:           make(map[string]*Agent),
		logger:           logger,
		sessions:         sessions,
		recycleThreshold: DefaultRecycleThreshold,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// SetRecycleThreshold overrides the jobs-executed recycle trigger.
func (p *Pool) SetRecycleThreshold(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recycleThreshold = n
}

// SetRecycleFunc wires the deferred-recycle trigger.
func (p *Pool) SetRecycleFunc(fn RecycleFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRecycle = fn
}

// SetClock overrides the pool's time source.
func (p *Pool) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// Register adds an agent to the pool. The agent arrives in Starting state;
// MarkReady flips it to Idle once its session and process are up.
func (p *Pool) Register(a *Agent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.agents[a.ID]; exists {
		return ErrAgentAlreadyRegistered
	}
	if a.Capabilities.MaxConcurrentJobs <= 0 {
		a.Capabilities.MaxConcurrentJobs = 1
	}
	if a.Status == "" {
		a.Status = StatusStarting
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = p.now()
	}
	p.agents[a.ID] = a.Clone()

	p.logger.Info("agent registered",
		"agent_id", a.ID,
		"name", a.Name,
		"session_id", a.SessionID,
		"supported_applications", a.Capabilities.SupportedApplications,
		"total_agents", len(p.agents),
	)
	return nil
}

// Unregister removes an agent and returns its bound session id so the
// caller can terminate the session.
func (p *Pool) Unregister(id string) (sessionID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[id]
	if !ok {
		return "", ErrAgentNotFound
	}
	a.Status = StatusTerminating
	delete(p.agents, id)

	p.logger.Info("agent unregistered",
		"agent_id", id,
		"name", a.Name,
		"total_agents", len(p.agents),
	)
	return a.SessionID, nil
}

// Get returns a clone of the agent, or ErrAgentNotFound.
func (p *Pool) Get(id string) (*Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return a.Clone(), nil
}

// List returns clones of all agents ordered by id.
func (p *Pool) List() []*Agent {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Agent, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CountByStatus returns how many agents are in each status.
func (p *Pool) CountByStatus() map[Status]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[Status]int)
	for _, a := range p.agents {
		out[a.Status]++
	}
	return out
}

// IdleSnapshot returns clones of all idle agents, ranked for placement.
func (p *Pool) IdleSnapshot() []*Agent {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*Agent
	for _, a := range p.agents {
		if a.Status == StatusIdle {
			out = append(out, a.Clone())
		}
	}
	rank(out)
	return out
}

// Pick selects the best idle agent for the given application target, or
// ErrAgentNotFound when none fits. The returned agent is a snapshot; the
// caller must commit the placement with MarkBusy, which may fail if the
// world changed in between.
func (p *Pool) Pick(applicationPath string) (*Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var candidates []*Agent
	for _, a := range p.agents {
		if a.Status != StatusIdle {
			continue
		}
		if !capabilityFit(a, applicationPath) {
			continue
		}
		if a.activeJobs() >= a.Capabilities.MaxConcurrentJobs {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil, ErrAgentNotFound
	}

	rank(candidates)
	return candidates[0].Clone(), nil
}

// capabilityFit reports whether the agent accepts the application target.
// A non-empty supported list requires a case-insensitive substring match.
func capabilityFit(a *Agent, applicationPath string) bool {
	if len(a.Capabilities.SupportedApplications) == 0 {
		return true
	}
	target := strings.ToLower(applicationPath)
	for _, app := range a.Capabilities.SupportedApplications {
		if app != "" && strings.Contains(target, strings.ToLower(app)) {
			return true
		}
	}
	return false
}

// rank orders candidates by descending success rate, ascending jobs
// executed, ascending average duration, then id for determinism.
func rank(agents []*Agent) {
	sort.Slice(agents, func(i, j int) bool {
		a, b := agents[i], agents[j]
		ra, rb := a.Metrics.SuccessRate(), b.Metrics.SuccessRate()
		if ra != rb {
			return ra > rb
		}
		if a.JobsExecuted != b.JobsExecuted {
			return a.JobsExecuted < b.JobsExecuted
		}
		if a.Metrics.AverageDuration != b.Metrics.AverageDuration {
			return a.Metrics.AverageDuration < b.Metrics.AverageDuration
		}
		return a.ID < b.ID
	})
}

// MarkBusy commits a placement decided on an earlier snapshot. Fails with
// ErrAgentNotIdle when the agent is no longer idle (lost race) so the
// scheduler can requeue the job.
func (p *Pool) MarkBusy(agentID, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	if a.Status != StatusIdle {
		return fmt.Errorf("%w: %s is %s", ErrAgentNotIdle, agentID, a.Status)
	}
	if a.CurrentJobID != "" {
		return fmt.Errorf("%w: %s already holds job %s", ErrAgentNotIdle, agentID, a.CurrentJobID)
	}
	a.Status = StatusBusy
	a.CurrentJobID = jobID
	return nil
}

// Unmark reverts a MarkBusy whose dispatch never reached the agent. The
// agent returns to Idle with no metrics recorded.
func (p *Pool) Unmark(agentID, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	if a.CurrentJobID != jobID {
		return nil
	}
	a.CurrentJobID = ""
	if a.Status == StatusBusy {
		a.Status = StatusIdle
	}
	return nil
}

// MarkReady flips a starting agent to Idle and stamps its first heartbeat.
func (p *Pool) MarkReady(agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	now := p.now()
	a.Status = StatusIdle
	a.LastHeartbeat = &now
	return nil
}

// MarkError records a transport or lifecycle failure and drops the job
// binding. The agent stops receiving work until it recovers.
func (p *Pool) MarkError(agentID, cause string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	a.Status = StatusError
	a.LastError = cause
	a.CurrentJobID = ""
	p.logger.Warn("agent marked error", "agent_id", agentID, "cause", cause)
	return nil
}

// Release returns an agent to Idle after a terminal transition of jobID.
// It updates metrics, increments jobsExecuted, releases the bound session
// and fires the deferred recycle trigger when the threshold is crossed.
// A release for a job the agent no longer holds (the binding was torn by
// an offline sweep) is a no-op.
func (p *Pool) Release(agentID, jobID string, duration time.Duration, success bool) error {
	p.mu.Lock()

	a, ok := p.agents[agentID]
	if !ok {
		p.mu.Unlock()
		return ErrAgentNotFound
	}
	if a.CurrentJobID != jobID {
		p.mu.Unlock()
		p.logger.Debug("stale release ignored", "agent_id", agentID, "job_id", jobID)
		return nil
	}

	now := p.now()
	a.JobsExecuted++
	a.Metrics.record(duration, success, now)
	a.CurrentJobID = ""
	a.Status = StatusIdle
	a.LastHeartbeat = &now

	sessionID := a.SessionID
	needsRecycle := a.JobsExecuted >= p.recycleThreshold
	onRecycle := p.onRecycle
	jobsExecuted := a.JobsExecuted
	p.mu.Unlock()

	if err := p.sessions.Release(sessionID); err != nil {
		p.logger.Warn("session release failed", "agent_id", agentID, "session_id", sessionID, "error", err)
	}

	p.logger.Debug("agent released",
		"agent_id", agentID,
		"jobs_executed", jobsExecuted,
		"success", success,
	)

	if needsRecycle && onRecycle != nil {
		onRecycle(agentID)
	}
	return nil
}

// Heartbeat touches the agent's lastHeartbeat. An offline agent recovers to
// Idle unless it still holds a job; then the completion callback re-asserts
// its state.
func (p *Pool) Heartbeat(agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	now := p.now()
	a.LastHeartbeat = &now
	if a.Status == StatusOffline && a.CurrentJobID == "" {
		a.Status = StatusIdle
		p.logger.Info("agent back online", "agent_id", agentID)
	}
	return nil
}

// MarkOffline transitions an agent to Offline and returns the job it held,
// if any, so the health monitor can fail and requeue it. Agents already
// offline are left alone.
func (p *Pool) MarkOffline(agentID, reason string) (currentJobID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return "", ErrAgentNotFound
	}
	if a.Status == StatusOffline {
		return "", nil
	}
	currentJobID = a.CurrentJobID
	a.Status = StatusOffline
	a.LastError = reason
	a.CurrentJobID = ""

	p.logger.Warn("agent offline", "agent_id", agentID, "reason", reason, "orphaned_job", currentJobID)
	return currentJobID, nil
}

// StaleAgents returns clones of agents whose last heartbeat is older than
// timeout and that are neither offline nor still starting. An agent with
// no heartbeat yet is measured from its creation time.
func (p *Pool) StaleAgents(timeout time.Duration) []*Agent {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var out []*Agent
	for _, a := range p.agents {
		if a.Status == StatusOffline || a.Status == StatusStarting {
			continue
		}
		last := a.CreatedAt
		if a.LastHeartbeat != nil {
			last = *a.LastHeartbeat
		}
		if now.Sub(last) > timeout {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AgentForSession returns the agent bound to the given session, if any.
func (p *Pool) AgentForSession(sessionID string) (*Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, a := range p.agents {
		if a.SessionID == sessionID {
			return a.Clone(), true
		}
	}
	return nil, false
}

// Recycle destroys the agent's underlying session and provisions a fresh
// one under the same session id. Counters and metrics reset; the agent
// returns to Idle, or Error when the recycle fails.
func (p *Pool) Recycle(ctx context.Context, agentID string) error {
	p.mu.Lock()
	a, ok := p.agents[agentID]
	if !ok {
		p.mu.Unlock()
		return ErrAgentNotFound
	}
	if a.Status == StatusBusy {
		p.mu.Unlock()
		return fmt.Errorf("%w: cannot recycle while busy", ErrAgentNotIdle)
	}
	a.Status = StatusRecycling
	sessionID := a.SessionID
	p.mu.Unlock()

	err := p.sessions.Recycle(ctx, sessionID)

	p.mu.Lock()
	defer p.mu.Unlock()

	// The agent may have been unregistered while the session was recycling.
	a, ok = p.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	if err != nil {
		a.Status = StatusError
		a.LastError = fmt.Sprintf("recycle failed: %v", err)
		p.logger.Error("agent recycle failed", "agent_id", agentID, "error", err)
		return err
	}

	now := p.now()
	a.JobsExecuted = 0
	a.LastError = ""
	a.Metrics = Metrics{}
	a.Status = StatusIdle
	a.LastHeartbeat = &now

	p.logger.Info("agent recycled", "agent_id", agentID, "session_id", sessionID)
	return nil
}
