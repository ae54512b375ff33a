// ABOUTME: Tests for the job store state machine and pruning policy.
// ABOUTME: Validates legal paths, rejected transitions, terminal stamping, retries.

package job

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestJob(t *testing.T, s *Store) *Job {
	t.Helper()
	j := New("test job", "calc.exe", []Step{
		{Order: 1, Type: StepClick, Target: "5"},
	})
	s.Put(j)
	return j
}

func TestStore_Get_NotFound(t *testing.T) {
	s := NewStore(testLogger())

	_, err := s.Get("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStore_Transition_HappyPath(t *testing.T) {
	s := NewStore(testLogger())
	j := newTestJob(t, s)

	require.NoError(t, s.Transition(j.ID, StatusQueued, TransitionOpts{}))
	require.NoError(t, s.Transition(j.ID, StatusAssigned, TransitionOpts{AgentID: "a1"}))
	require.NoError(t, s.Transition(j.ID, StatusRunning, TransitionOpts{}))
	require.NoError(t, s.Transition(j.ID, StatusSuccess, TransitionOpts{Result: "done"}))

	got, err := s.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, "done", got.Result)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.QueuedAt)
	require.NotNil(t, got.StartedAt)

	// Timestamps are monotonic within the job.
	assert.True(t, !got.QueuedAt.Before(got.CreatedAt))
	assert.True(t, !got.StartedAt.Before(*got.QueuedAt))
	assert.True(t, !got.CompletedAt.Before(*got.StartedAt))

	// Terminal clears the agent binding.
	assert.Empty(t, got.AssignedAgentID)
}

func TestStore_Transition_AssignedSetsAgent(t *testing.T) {
	s := NewStore(testLogger())
	j := newTestJob(t, s)

	require.NoError(t, s.Transition(j.ID, StatusQueued, TransitionOpts{}))
	require.NoError(t, s.Transition(j.ID, StatusAssigned, TransitionOpts{AgentID: "a1"}))

	got, err := s.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, "a1", got.AssignedAgentID)
	assert.NotNil(t, got.AssignedAt)
}

func TestStore_Transition_Illegal(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
	}{
		{"pending to running", StatusPending, StatusRunning},
		{"pending to assigned", StatusPending, StatusAssigned},
		{"queued to running", StatusQueued, StatusRunning},
		{"queued to success", StatusQueued, StatusSuccess},
		{"assigned to success", StatusAssigned, StatusSuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(testLogger())
			j := newTestJob(t, s)
			advanceTo(t, s, j.ID, tt.from)

			err := s.Transition(j.ID, tt.to, TransitionOpts{})
			assert.ErrorIs(t, err, ErrIllegalTransition)

			got, gerr := s.Get(j.ID)
			require.NoError(t, gerr)
			assert.Equal(t, tt.from, got.Status, "rejected transition must not mutate")
		})
	}
}

// advanceTo walks a job along the legal path to the target status.
func advanceTo(t *testing.T, s *Store, id string, target Status) {
	t.Helper()
	if target == StatusPending {
		return
	}
	for _, st := range []Status{StatusQueued, StatusAssigned, StatusRunning} {
		opts := TransitionOpts{}
		if st == StatusAssigned {
			opts.AgentID = "a1"
		}
		require.NoError(t, s.Transition(id, st, opts))
		if st == target {
			return
		}
	}
}

func TestStore_Transition_TerminalIsFinal(t *testing.T) {
	s := NewStore(testLogger())
	j := newTestJob(t, s)
	advanceTo(t, s, j.ID, StatusRunning)
	require.NoError(t, s.Transition(j.ID, StatusSuccess, TransitionOpts{Result: "ok"}))

	for _, next := range []Status{StatusQueued, StatusRunning, StatusCancelled, StatusFailed} {
		err := s.Transition(j.ID, next, TransitionOpts{})
		assert.ErrorIs(t, err, ErrIllegalTransition, "terminal job must reject %s", next)
	}
}

func TestStore_Transition_CancelFromAnyNonTerminal(t *testing.T) {
	for _, from := range []Status{StatusPending, StatusQueued, StatusAssigned, StatusRunning} {
		t.Run(string(from), func(t *testing.T) {
			s := NewStore(testLogger())
			j := newTestJob(t, s)
			advanceTo(t, s, j.ID, from)

			require.NoError(t, s.Transition(j.ID, StatusCancelled, TransitionOpts{}))
			got, err := s.Get(j.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusCancelled, got.Status)
			assert.NotNil(t, got.CompletedAt)
			assert.NotEmpty(t, got.ErrorMessage)
		})
	}
}

func TestStore_Transition_CancelIdempotentTimestamps(t *testing.T) {
	s := NewStore(testLogger())
	j := newTestJob(t, s)
	advanceTo(t, s, j.ID, StatusRunning)

	require.NoError(t, s.Transition(j.ID, StatusCancelled, TransitionOpts{}))
	first, err := s.Get(j.ID)
	require.NoError(t, err)

	// Second cancel is rejected and leaves the job untouched.
	assert.ErrorIs(t, s.Transition(j.ID, StatusCancelled, TransitionOpts{}), ErrIllegalTransition)
	second, err := s.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, first.CompletedAt, second.CompletedAt)
}

func TestStore_Transition_RetryBudget(t *testing.T) {
	s := NewStore(testLogger())
	j := newTestJob(t, s)
	j.MaxRetries = 1
	j.Priority = PriorityHigh
	s.Put(j)

	advanceTo(t, s, j.ID, StatusRunning)
	require.NoError(t, s.Transition(j.ID, StatusFailed, TransitionOpts{Error: "boom"}))

	// First retry is within budget and decays priority.
	require.NoError(t, s.Transition(j.ID, StatusRetry, TransitionOpts{}))
	got, err := s.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, PriorityNormal, got.Priority)
	assert.Nil(t, got.CompletedAt)
	assert.Empty(t, got.ErrorMessage)

	require.NoError(t, s.Transition(j.ID, StatusQueued, TransitionOpts{}))
	require.NoError(t, s.Transition(j.ID, StatusAssigned, TransitionOpts{AgentID: "a1"}))
	require.NoError(t, s.Transition(j.ID, StatusRunning, TransitionOpts{}))
	require.NoError(t, s.Transition(j.ID, StatusFailed, TransitionOpts{Error: "boom again"}))

	// Budget exhausted: retry is rejected, retryCount never exceeds max.
	assert.ErrorIs(t, s.Transition(j.ID, StatusRetry, TransitionOpts{}), ErrIllegalTransition)
	got, err = s.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.LessOrEqual(t, got.RetryCount, got.MaxRetries)
}

func TestStore_Transition_PriorityDecayFloor(t *testing.T) {
	s := NewStore(testLogger())
	j := newTestJob(t, s)
	j.Priority = PriorityLow
	j.MaxRetries = 3
	s.Put(j)

	advanceTo(t, s, j.ID, StatusRunning)
	require.NoError(t, s.Transition(j.ID, StatusFailed, TransitionOpts{Error: "x"}))
	require.NoError(t, s.Transition(j.ID, StatusRetry, TransitionOpts{}))

	got, err := s.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, PriorityLow, got.Priority, "priority never decays below Low")
}

func TestStore_TerminalCallback(t *testing.T) {
	s := NewStore(testLogger())
	j := newTestJob(t, s)

	var gotJob *Job
	var gotAgent string
	s.SetTerminalFunc(func(j *Job, agentID string) {
		gotJob = j
		gotAgent = agentID
	})

	advanceTo(t, s, j.ID, StatusRunning)
	require.NoError(t, s.Transition(j.ID, StatusSuccess, TransitionOpts{Result: "ok"}))

	require.NotNil(t, gotJob)
	assert.Equal(t, j.ID, gotJob.ID)
	assert.Equal(t, "a1", gotAgent, "callback carries the agent that held the job")
}

func TestStore_TerminalRequiresReason(t *testing.T) {
	s := NewStore(testLogger())
	j := newTestJob(t, s)
	advanceTo(t, s, j.ID, StatusRunning)

	// No result or error supplied: the store fills a reason anyway.
	require.NoError(t, s.Transition(j.ID, StatusTimeout, TransitionOpts{}))
	got, err := s.Get(j.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)
}

func TestStore_ByStatus(t *testing.T) {
	s := NewStore(testLogger())
	j1 := newTestJob(t, s)
	j2 := newTestJob(t, s)
	require.NoError(t, s.Transition(j2.ID, StatusQueued, TransitionOpts{}))

	pending := s.ByStatus(StatusPending)
	require.Len(t, pending, 1)
	assert.Equal(t, j1.ID, pending[0].ID)

	queued := s.ByStatus(StatusQueued)
	require.Len(t, queued, 1)
	assert.Equal(t, j2.ID, queued[0].ID)
}

func TestStore_List_OrderAndPaging(t *testing.T) {
	s := NewStore(testLogger())
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		j := New("job", "calc", []Step{{Order: 1, Type: StepClick, Target: "x"}})
		j.CreatedAt = base.Add(time.Duration(i) * time.Second)
		s.Put(j)
	}

	all := s.List("", 0, 100)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.True(t, !all[i].CreatedAt.After(all[i-1].CreatedAt), "ordered by createdAt desc")
	}

	page := s.List("", 2, 2)
	assert.Len(t, page, 2)

	beyond := s.List("", 10, 2)
	assert.Empty(t, beyond)
}

func TestStore_Prune(t *testing.T) {
	s := NewStore(testLogger())
	base := time.Now().UTC()
	var terminalIDs []string

	for i := 0; i < 5; i++ {
		j := newTestJob(t, s)
		stamp := base.Add(time.Duration(i) * time.Minute)
		s.SetClock(func() time.Time { return stamp })
		advanceTo(t, s, j.ID, StatusRunning)
		require.NoError(t, s.Transition(j.ID, StatusSuccess, TransitionOpts{Result: "ok"}))
		terminalIDs = append(terminalIDs, j.ID)
	}
	running := newTestJob(t, s)
	advanceTo(t, s, running.ID, StatusRunning)

	removed := s.Prune(2)
	assert.Equal(t, 3, removed)

	// Newest two terminal jobs survive, the running one is untouched.
	_, err := s.Get(terminalIDs[4])
	assert.NoError(t, err)
	_, err = s.Get(terminalIDs[3])
	assert.NoError(t, err)
	_, err = s.Get(terminalIDs[0])
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = s.Get(running.ID)
	assert.NoError(t, err)
}

func TestStore_CloneIsolation(t *testing.T) {
	s := NewStore(testLogger())
	j := newTestJob(t, s)

	got, err := s.Get(j.ID)
	require.NoError(t, err)
	got.Name = "mutated"
	got.Steps[0].Target = "mutated"

	again, err := s.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, "test job", again.Name)
	assert.Equal(t, "5", again.Steps[0].Target)
}
