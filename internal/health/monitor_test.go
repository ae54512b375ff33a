// ABOUTME: Tests for the health monitor sweeps: offline agents, timeouts, cleanup.
// ABOUTME: Uses fake clocks to age heartbeats and running jobs deterministically.

package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martingrgv/Strategic-RPA/internal/agent"
	"github.com/martingrgv/Strategic-RPA/internal/job"
	"github.com/martingrgv/Strategic-RPA/internal/scheduler"
	"github.com/martingrgv/Strategic-RPA/internal/session"
	"github.com/martingrgv/Strategic-RPA/internal/transport"
)

// mockTransport simulates unreachable or responsive agents.
type mockTransport struct {
	mu         sync.Mutex
	statusErr  error
	cancelled  []string
	statusSeen []string
}

func (m *mockTransport) Send(_ context.Context, _ transport.Endpoint, _ *job.Job) error {
	return nil
}

func (m *mockTransport) Cancel(_ context.Context, _ transport.Endpoint, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, jobID)
	return nil
}

func (m *mockTransport) Status(_ context.Context, ep transport.Endpoint) (*transport.StatusReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusSeen = append(m.statusSeen, ep.AgentID)
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	return &transport.StatusReport{Status: "idle"}, nil
}

func (m *mockTransport) cancelledJobs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancelled...)
}

type fixture struct {
	jobs      *job.Store
	pool      *agent.Pool
	sessions  *session.Manager
	transport *mockTransport
	monitor   *Monitor
	sup       *Supervisor
	logger    *slog.Logger
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	jobs := job.NewStore(logger)
	queue := job.NewQueue()
	sessions := session.NewManager(session.NewLocalProvisioner(), 3390, logger)
	pool := agent.NewPool(sessions, logger)
	tr := &mockTransport{}

	// The scheduler wires the terminal observer that releases agents.
	sched := scheduler.New(jobs, queue, pool, sessions, tr, time.Second, logger)
	sched.SetSpawnFunc(func(_ string, fn func(ctx context.Context)) { fn(context.Background()) })

	sup := NewSupervisor(context.Background(), logger)
	t.Cleanup(func() { sup.Shutdown(time.Second) })

	return &fixture{
		jobs:      jobs,
		pool:      pool,
		sessions:  sessions,
		transport: tr,
		monitor:   NewMonitor(cfg, jobs, pool, sessions, tr, sup, logger),
		sup:       sup,
		logger:    logger,
	}
}

func (f *fixture) addAgent(t *testing.T, id string) {
	t.Helper()
	s, err := f.sessions.Create(context.Background(), "user-"+id)
	require.NoError(t, err)
	require.NoError(t, f.pool.Register(&agent.Agent{
		ID:          id,
		Name:        id,
		SessionID:   s.ID,
		HostUser:    "user-" + id,
		EndpointURL: "http://localhost:9999",
	}))
	require.NoError(t, f.pool.MarkReady(id))
}

func TestMonitor_SweepAgents_StaleGoesOffline(t *testing.T) {
	f := newFixture(t, Config{HeartbeatTimeout: 5 * time.Minute})
	base := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)

	f.pool.SetClock(func() time.Time { return base })
	f.addAgent(t, "A1")
	f.transport.statusErr = errors.New("connection refused")

	// Heartbeats stop; the sweep runs past the timeout.
	f.pool.SetClock(func() time.Time { return base.Add(6 * time.Minute) })
	require.NoError(t, f.monitor.SweepAgents(context.Background()))

	a, err := f.pool.Get("A1")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusOffline, a.Status)

	// A resumed heartbeat recovers the agent.
	require.NoError(t, f.pool.Heartbeat("A1"))
	a, err = f.pool.Get("A1")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusIdle, a.Status)
}

func TestMonitor_SweepAgents_ResponsiveAgentStaysUp(t *testing.T) {
	f := newFixture(t, Config{HeartbeatTimeout: 5 * time.Minute})
	base := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)

	f.pool.SetClock(func() time.Time { return base })
	f.addAgent(t, "A1")

	// The heartbeat is stale but the status poll answers: the agent is
	// alive, just late.
	f.pool.SetClock(func() time.Time { return base.Add(6 * time.Minute) })
	require.NoError(t, f.monitor.SweepAgents(context.Background()))

	a, err := f.pool.Get("A1")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusIdle, a.Status)
	assert.Equal(t, []string{"A1"}, f.transport.statusSeen)
}

func TestMonitor_SweepAgents_FailsOrphanedJob(t *testing.T) {
	f := newFixture(t, Config{HeartbeatTimeout: 5 * time.Minute})
	base := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)

	f.pool.SetClock(func() time.Time { return base })
	f.addAgent(t, "A1")
	f.transport.statusErr = errors.New("unreachable")

	// A job is running on the agent when it goes dark.
	j := job.New("stuck", "calc", []job.Step{{Order: 1, Type: job.StepClick, Target: "x"}})
	j.MaxRetries = 0
	f.jobs.Put(j)
	require.NoError(t, f.jobs.Transition(j.ID, job.StatusQueued, job.TransitionOpts{}))
	require.NoError(t, f.jobs.Transition(j.ID, job.StatusAssigned, job.TransitionOpts{AgentID: "A1"}))
	require.NoError(t, f.jobs.Transition(j.ID, job.StatusRunning, job.TransitionOpts{}))
	require.NoError(t, f.pool.MarkBusy("A1", j.ID))

	f.pool.SetClock(func() time.Time { return base.Add(6 * time.Minute) })
	require.NoError(t, f.monitor.SweepAgents(context.Background()))

	got, err := f.jobs.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, "agent went offline", got.ErrorMessage)

	a, err := f.pool.Get("A1")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusOffline, a.Status)
}

func TestMonitor_SweepJobs_TimesOutLongRunners(t *testing.T) {
	f := newFixture(t, Config{JobTimeout: 30 * time.Minute})
	f.addAgent(t, "A1")

	// Stamp the job's start 31 minutes in the past.
	past := time.Now().UTC().Add(-31 * time.Minute)
	f.jobs.SetClock(func() time.Time { return past })

	j := job.New("slow", "calc", []job.Step{{Order: 1, Type: job.StepClick, Target: "x"}})
	f.jobs.Put(j)
	require.NoError(t, f.jobs.Transition(j.ID, job.StatusQueued, job.TransitionOpts{}))
	require.NoError(t, f.jobs.Transition(j.ID, job.StatusAssigned, job.TransitionOpts{AgentID: "A1"}))
	require.NoError(t, f.jobs.Transition(j.ID, job.StatusRunning, job.TransitionOpts{}))
	require.NoError(t, f.pool.MarkBusy("A1", j.ID))

	f.jobs.SetClock(func() time.Time { return time.Now().UTC() })
	require.NoError(t, f.monitor.SweepJobs(context.Background()))

	got, err := f.jobs.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusTimeout, got.Status)
	assert.NotNil(t, got.CompletedAt)

	// The agent was released and told to stop the job. The transport
	// cancel runs on a supervised task.
	a, err := f.pool.Get("A1")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusIdle, a.Status)
	require.Eventually(t, func() bool {
		c := f.transport.cancelledJobs()
		return len(c) == 1 && c[0] == j.ID
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMonitor_SweepJobs_LeavesFreshJobsAlone(t *testing.T) {
	f := newFixture(t, Config{JobTimeout: 30 * time.Minute})
	f.addAgent(t, "A1")

	j := job.New("fresh", "calc", []job.Step{{Order: 1, Type: job.StepClick, Target: "x"}})
	f.jobs.Put(j)
	require.NoError(t, f.jobs.Transition(j.ID, job.StatusQueued, job.TransitionOpts{}))
	require.NoError(t, f.jobs.Transition(j.ID, job.StatusAssigned, job.TransitionOpts{AgentID: "A1"}))
	require.NoError(t, f.jobs.Transition(j.ID, job.StatusRunning, job.TransitionOpts{}))

	require.NoError(t, f.monitor.SweepJobs(context.Background()))

	got, err := f.jobs.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, got.Status)
}

func TestMonitor_SweepSessions_RecyclesOverworked(t *testing.T) {
	f := newFixture(t, Config{InactivityTimeout: 2 * time.Hour, SessionMaxJobs: 2})
	f.addAgent(t, "A1")

	a, err := f.pool.Get("A1")
	require.NoError(t, err)

	// Two processed jobs push the session over its budget.
	require.NoError(t, f.sessions.Assign(a.SessionID, "A1"))
	require.NoError(t, f.sessions.Release(a.SessionID))
	require.NoError(t, f.sessions.Assign(a.SessionID, "A1"))
	require.NoError(t, f.sessions.Release(a.SessionID))

	require.NoError(t, f.monitor.SweepSessions(context.Background()))

	// The recycle runs on a supervised task; wait for it to land.
	require.Eventually(t, func() bool {
		s, err := f.sessions.Get(a.SessionID)
		return err == nil && s.Generation == 2
	}, 2*time.Second, 10*time.Millisecond)

	s, err := f.sessions.Get(a.SessionID)
	require.NoError(t, err)
	assert.Zero(t, s.JobsProcessed)
}

func TestMonitor_Cleanup_PrunesHistory(t *testing.T) {
	f := newFixture(t, Config{MaxHistory: 2})

	for i := 0; i < 4; i++ {
		j := job.New("old", "calc", []job.Step{{Order: 1, Type: job.StepClick, Target: "x"}})
		f.jobs.Put(j)
		require.NoError(t, f.jobs.Transition(j.ID, job.StatusCancelled, job.TransitionOpts{}))
	}

	require.NoError(t, f.monitor.Cleanup(context.Background()))
	assert.Equal(t, 2, f.jobs.Count())
}

func TestMonitor_Cleanup_TerminatesOrphanSessions(t *testing.T) {
	f := newFixture(t, Config{})

	// A session nobody references.
	orphan, err := f.sessions.Create(context.Background(), "ghost")
	require.NoError(t, err)

	// A session held by an agent.
	f.addAgent(t, "A1")
	a, err := f.pool.Get("A1")
	require.NoError(t, err)

	require.NoError(t, f.monitor.Cleanup(context.Background()))

	_, err = f.sessions.Get(orphan.ID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	_, err = f.sessions.Get(a.SessionID)
	assert.NoError(t, err, "bound session survives")
}

func TestMonitor_StartStop(t *testing.T) {
	f := newFixture(t, Config{})

	require.NoError(t, f.monitor.Start())
	f.monitor.Stop()
}

func TestSupervisor_ShutdownAwaitsTasks(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sup := NewSupervisor(context.Background(), logger)

	var done bool
	var mu sync.Mutex
	sup.Go("worker", func(ctx context.Context) {
		<-ctx.Done()
		mu.Lock()
		done = true
		mu.Unlock()
	})

	require.True(t, sup.Shutdown(time.Second))
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, done)
}

func TestSupervisor_RejectsAfterShutdown(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sup := NewSupervisor(context.Background(), logger)
	require.True(t, sup.Shutdown(time.Second))

	ran := false
	sup.Go("late", func(context.Context) { ran = true })
	assert.False(t, ran)
}

func TestSupervisor_RecoversPanics(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sup := NewSupervisor(context.Background(), logger)

	sup.Go("bomb", func(context.Context) { panic("boom") })
	assert.True(t, sup.Shutdown(time.Second), "a panicking task still completes")
}
