// ABOUTME: Tests for the dispatch loop: placement, retries, cancellation.
// ABOUTME: Drives end-to-end scenarios with a mock transport and real stores.

package scheduler

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
	"github.com/martingrgv/Strategic-RPA/internal/session"
	"github.com/martingrgv/Strategic-RPA/internal/transport"
)

// mockTransport records sends and can be told to fail.
type mockTransport struct {
	mu        sync.Mutex
	sent      []sentJob
	cancelled []string
	sendErr   error
	statusErr error
}

type sentJob struct {
	agentID string
	jobID   string
}

func (m *mockTransport) Send(_ context.Context, ep transport.Endpoint, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, sentJob{agentID: ep.AgentID, jobID: j.ID})
	return nil
}

func (m *mockTransport) Cancel(_ context.Context, _ transport.Endpoint, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, jobID)
	return nil
}

func (m *mockTransport) Status(_ context.Context, _ transport.Endpoint) (*transport.StatusReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	return &transport.StatusReport{Status: "idle"}, nil
}

func (m *mockTransport) sentJobs() []sentJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentJob(nil), m.sent...)
}

func (m *mockTransport) cancelledJobs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancelled...)
}

// fixture bundles a scheduler with its collaborators.
type fixture struct {
	jobs      *job.Store
	queue     *job.Queue
	pool      *agent.Pool
	sessions  *session.Manager
	transport *mockTransport
	sched     *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	jobs := job.NewStore(logger)
	queue := job.NewQueue()
	sessions := session.NewManager(session.NewLocalProvisioner(), 3390, logger)
	pool := agent.NewPool(sessions, logger)
	tr := &mockTransport{}

	sched := New(jobs, queue, pool, sessions, tr, time.Second, logger)
	sched.SetSpawnFunc(func(_ string, fn func(ctx context.Context)) {
		fn(context.Background())
	})

	return &fixture{
		jobs:      jobs,
		queue:     queue,
		pool:      pool,
		sessions:  sessions,
		transport: tr,
		sched:     sched,
	}
}

// addAgent registers an idle agent backed by a real session.
func (f *fixture) addAgent(t *testing.T, id string, apps ...string) {
	t.Helper()
	s, err := f.sessions.Create(context.Background(), "user-"+id)
	require.NoError(t, err)
	require.NoError(t, f.pool.Register(&agent.Agent{
		ID:           id,
		Name:         id,
		SessionID:    s.ID,
		HostUser:     "user-" + id,
		Capabilities: agent.Capabilities{SupportedApplications: apps},
		EndpointURL:  "http://localhost:9999",
	}))
	require.NoError(t, f.pool.MarkReady(id))
}

// submit creates and enqueues a job.
func (f *fixture) submit(t *testing.T, name, app string, priority job.Priority, maxRetries int) *job.Job {
	t.Helper()
	j := job.New(name, app, []job.Step{{Order: 1, Type: job.StepClick, Target: "x"}})
	j.Priority = priority
	if maxRetries >= 0 {
		j.MaxRetries = maxRetries
	}
	f.jobs.Put(j)
	require.NoError(t, f.sched.Enqueue(j.ID))
	return j
}

func TestScheduler_HappyPath(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "A1")

	j := f.submit(t, "calc job", "calc", job.PriorityNormal, -1)

	f.sched.DispatchOnce(context.Background())

	// After the tick the agent is busy and the job running.
	a, err := f.pool.Get("A1")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusBusy, a.Status)
	assert.Equal(t, j.ID, a.CurrentJobID)

	got, err := f.jobs.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, got.Status)
	assert.Equal(t, "A1", got.AssignedAgentID)
	require.Len(t, f.transport.sentJobs(), 1)

	// Deliver the success callback.
	require.NoError(t, f.sched.HandleStatusCallback(j.ID, job.StatusSuccess, "8", ""))

	a, err = f.pool.Get("A1")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusIdle, a.Status)
	assert.Equal(t, 1, a.JobsExecuted)

	got, err = f.jobs.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSuccess, got.Status)
	assert.Equal(t, "8", got.Result)
	assert.NotNil(t, got.CompletedAt)
}

func TestScheduler_PriorityPreemptsQueueOrder(t *testing.T) {
	f := newFixture(t)

	// No agents yet: both jobs wait.
	j1 := f.submit(t, "normal", "calc", job.PriorityNormal, -1)
	j2 := f.submit(t, "critical", "calc", job.PriorityCritical, -1)

	f.sched.DispatchOnce(context.Background())
	assert.Empty(t, f.transport.sentJobs())

	// One agent arrives: the critical job dispatches first.
	f.addAgent(t, "A1")
	f.sched.DispatchOnce(context.Background())

	sent := f.transport.sentJobs()
	require.Len(t, sent, 1)
	assert.Equal(t, j2.ID, sent[0].jobID)

	got, err := f.jobs.Get(j1.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, got.Status)
}

func TestScheduler_FIFOWithinPriority(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "A1")
	f.addAgent(t, "A2")

	jA := f.submit(t, "first", "calc", job.PriorityNormal, -1)
	jB := f.submit(t, "second", "calc", job.PriorityNormal, -1)

	f.sched.DispatchOnce(context.Background())

	gotA, err := f.jobs.Get(jA.ID)
	require.NoError(t, err)
	gotB, err := f.jobs.Get(jB.ID)
	require.NoError(t, err)
	require.NotNil(t, gotA.AssignedAt)
	require.NotNil(t, gotB.AssignedAt)
	assert.True(t, !gotA.AssignedAt.After(*gotB.AssignedAt), "A placed before B")
}

func TestScheduler_RetryWithPriorityDecay(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "A1")

	j := f.submit(t, "flaky", "calc", job.PriorityHigh, 2)
	f.sched.DispatchOnce(context.Background())

	// First failure: requeued at Normal, retryCount 1.
	require.NoError(t, f.sched.HandleStatusCallback(j.ID, job.StatusFailed, "", "step failed"))
	got, err := f.jobs.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, job.PriorityNormal, got.Priority)

	// Second failure: requeued at Low, retryCount 2.
	f.sched.DispatchOnce(context.Background())
	require.NoError(t, f.sched.HandleStatusCallback(j.ID, job.StatusFailed, "", "step failed"))
	got, err = f.jobs.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, job.PriorityLow, got.Priority)

	// Third failure: budget exhausted, terminally Failed.
	f.sched.DispatchOnce(context.Background())
	require.NoError(t, f.sched.HandleStatusCallback(j.ID, job.StatusFailed, "", "step failed"))
	got, err = f.jobs.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.LessOrEqual(t, got.RetryCount, got.MaxRetries)

	// The agent was released each time.
	a, err := f.pool.Get("A1")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusIdle, a.Status)
	assert.Equal(t, 3, a.JobsExecuted)
}

func TestScheduler_CapabilityPlacement(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "A1", "notepad")
	f.addAgent(t, "A2", "calc")

	j := f.submit(t, "calc job", "calc.exe", job.PriorityNormal, -1)
	f.sched.DispatchOnce(context.Background())

	sent := f.transport.sentJobs()
	require.Len(t, sent, 1)
	assert.Equal(t, "A2", sent[0].agentID)

	got, err := f.jobs.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, "A2", got.AssignedAgentID)
}

func TestScheduler_NoFitStaysQueued(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "A1", "notepad")

	j := f.submit(t, "calc job", "calc.exe", job.PriorityNormal, -1)
	f.sched.DispatchOnce(context.Background())

	got, err := f.jobs.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, got.Status)
	assert.Equal(t, 1, f.queue.Size(), "job kept its place in the queue")
}

func TestScheduler_SendFailureRequeuesAndMarksAgent(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "A1")
	f.transport.sendErr = errors.New("connection refused")

	j := f.submit(t, "doomed", "calc", job.PriorityNormal, -1)
	f.sched.DispatchOnce(context.Background())

	got, err := f.jobs.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, got.Status)
	assert.Empty(t, got.AssignedAgentID)

	a, err := f.pool.Get("A1")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusError, a.Status)
	assert.Contains(t, a.LastError, "send failed")

	// The job waits for another agent.
	assert.Equal(t, 1, f.queue.Size())
}

func TestScheduler_SendRejectedKeepsAgentIdle(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "A1")
	f.transport.sendErr = transport.ErrSendRejected

	f.submit(t, "rejected", "calc", job.PriorityNormal, -1)
	f.sched.DispatchOnce(context.Background())

	a, err := f.pool.Get("A1")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusIdle, a.Status, "a 4xx answer means the agent is healthy")
}

func TestScheduler_CancelQueuedJob(t *testing.T) {
	f := newFixture(t)

	j := f.submit(t, "waiting", "calc", job.PriorityNormal, -1)

	ok, err := f.sched.Cancel(j.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := f.jobs.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, got.Status)
	assert.Equal(t, 0, f.queue.Size())

	// A cancelled queued job never dispatches.
	f.addAgent(t, "A1")
	f.sched.DispatchOnce(context.Background())
	assert.Empty(t, f.transport.sentJobs())
}

func TestScheduler_CancelRunningJob(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "A1")

	j := f.submit(t, "running", "calc", job.PriorityNormal, -1)
	f.sched.DispatchOnce(context.Background())

	ok, err := f.sched.Cancel(j.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := f.jobs.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, got.Status)

	// The transport cancel went out and the agent was released.
	assert.Equal(t, []string{j.ID}, f.transport.cancelledJobs())
	a, err := f.pool.Get("A1")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusIdle, a.Status)
}

func TestScheduler_CancelIdempotent(t *testing.T) {
	f := newFixture(t)

	j := f.submit(t, "waiting", "calc", job.PriorityNormal, -1)

	ok, err := f.sched.Cancel(j.ID)
	require.NoError(t, err)
	require.True(t, ok)

	first, err := f.jobs.Get(j.ID)
	require.NoError(t, err)

	ok, err = f.sched.Cancel(j.ID)
	require.NoError(t, err)
	assert.True(t, ok, "second cancel still reports success")

	second, err := f.jobs.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, first.CompletedAt, second.CompletedAt, "timestamps unchanged")
}

func TestScheduler_CancelNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.sched.Cancel("missing")
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func TestScheduler_CallbackRejectsNonTerminal(t *testing.T) {
	f := newFixture(t)
	j := f.submit(t, "j", "calc", job.PriorityNormal, -1)

	err := f.sched.HandleStatusCallback(j.ID, job.StatusRunning, "", "")
	assert.ErrorIs(t, err, job.ErrIllegalTransition)
}

func TestScheduler_DuplicateCallbackRejected(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "A1")

	j := f.submit(t, "j", "calc", job.PriorityNormal, -1)
	f.sched.DispatchOnce(context.Background())

	require.NoError(t, f.sched.HandleStatusCallback(j.ID, job.StatusSuccess, "ok", ""))
	err := f.sched.HandleStatusCallback(j.ID, job.StatusSuccess, "ok", "")
	assert.ErrorIs(t, err, job.ErrIllegalTransition)

	// The agent's counters moved exactly once.
	a, err := f.pool.Get("A1")
	require.NoError(t, err)
	assert.Equal(t, 1, a.JobsExecuted)
}

func TestScheduler_WebhookNotifyFires(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "A1")

	var notified []string
	f.sched.SetNotifyFunc(func(j *job.Job) {
		notified = append(notified, j.ID)
	})

	j := f.submit(t, "hooked", "calc", job.PriorityNormal, 0)
	f.sched.DispatchOnce(context.Background())
	require.NoError(t, f.sched.HandleStatusCallback(j.ID, job.StatusFailed, "", "boom"))

	// maxRetries 0: the failure is terminal and notifies once.
	assert.Equal(t, []string{j.ID}, notified)
}

func TestScheduler_NotifySkippedWhileRetrying(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "A1")

	var notified int
	f.sched.SetNotifyFunc(func(*job.Job) { notified++ })

	j := f.submit(t, "retrying", "calc", job.PriorityNormal, 1)
	f.sched.DispatchOnce(context.Background())
	require.NoError(t, f.sched.HandleStatusCallback(j.ID, job.StatusFailed, "", "boom"))
	assert.Zero(t, notified, "a retrying job is not terminal yet")

	f.sched.DispatchOnce(context.Background())
	require.NoError(t, f.sched.HandleStatusCallback(j.ID, job.StatusFailed, "", "boom"))
	assert.Equal(t, 1, notified)
}

func TestScheduler_SessionAssignedOnDispatch(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "A1")

	a, err := f.pool.Get("A1")
	require.NoError(t, err)

	f.submit(t, "j", "calc", job.PriorityNormal, -1)
	f.sched.DispatchOnce(context.Background())

	s, err := f.sessions.Get(a.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusBusy, s.Status)
	assert.Equal(t, "A1", s.AssignedAgentID)
}
