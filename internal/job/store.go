// ABOUTME: In-memory job registry enforcing the job state machine.
// ABOUTME: All mutations are serialized under one lock; reads return clones.

package job

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrJobNotFound indicates the requested job id is unknown.
var ErrJobNotFound = errors.New("job not found")

// ErrIllegalTransition indicates a state change the job state machine forbids.
// The job is left unchanged.
var ErrIllegalTransition = errors.New("illegal job transition")

// legalTransitions maps each non-terminal status to the statuses it may
// move to. Cancellation from any non-terminal status is handled separately.
var legalTransitions = map[Status][]Status{
	StatusPending: {StatusQueued},
	StatusQueued:  {StatusAssigned},
	// Assigned can fail directly when its agent drops offline before the
	// transport ack arrives.
	StatusAssigned: {StatusRunning, StatusQueued, StatusFailed},
	StatusRunning:  {StatusSuccess, StatusFailed, StatusTimeout},
	StatusRetry:    {StatusQueued},
}

// TransitionOpts carries the optional fields stamped alongside a status
// change.
type TransitionOpts struct {
	AgentID string // set on Assigned
	Result  string // set on terminal success
	Error   string // set on terminal failure
}

// TerminalFunc observes a job reaching a terminal status. It is invoked
// after the store lock is released, with a clone of the job and the agent
// that held it at the moment of completion (empty if none).
type TerminalFunc func(j *Job, agentID string)

// Store is the registry of all jobs, keyed by id. It owns every Job; no
// other component holds a live pointer into it.
type Store struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	logger *slog.Logger

	// onTerminal is wired by the scheduler so terminal transitions release
	// the owning agent. May be nil in tests.
	onTerminal TerminalFunc

	now func() time.Time
}

// NewStore creates an empty job store.
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		jobs:   make(map[string]*Job),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetTerminalFunc wires the callback invoked after any terminal transition.
func (s *Store) SetTerminalFunc(fn TerminalFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTerminal = fn
}

// SetClock overrides the store's time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Put registers a job. An existing job with the same id is replaced.
func (s *Store) Put(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j.Clone()
}

// Get returns a clone of the job, or ErrJobNotFound.
func (s *Store) Get(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.Clone(), nil
}

// ByStatus returns clones of all jobs with the given status, in no
// particular order.
func (s *Store) ByStatus(status Status) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Job
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, j.Clone())
		}
	}
	return out
}

// List returns clones of jobs ordered by creation time descending,
// optionally filtered by status, windowed by skip/take.
func (s *Store) List(statusFilter Status, skip, take int) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if statusFilter != "" && j.Status != statusFilter {
			continue
		}
		all = append(all, j)
	}
	sort.Slice(all, func(a, b int) bool {
		if all[a].CreatedAt.Equal(all[b].CreatedAt) {
			return all[a].ID < all[b].ID
		}
		return all[a].CreatedAt.After(all[b].CreatedAt)
	})

	if skip >= len(all) {
		return []*Job{}
	}
	all = all[skip:]
	if take > 0 && take < len(all) {
		all = all[:take]
	}

	out := make([]*Job, len(all))
	for i, j := range all {
		out[i] = j.Clone()
	}
	return out
}

// Count returns the number of registered jobs.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Transition moves a job to newStatus, enforcing the state machine.
// Illegal transitions return ErrIllegalTransition without mutating.
// Terminal transitions stamp completedAt, record result or error, clear the
// agent binding and fire the terminal callback outside the lock.
func (s *Store) Transition(id string, newStatus Status, opts TransitionOpts) error {
	s.mu.Lock()

	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}

	if !s.allowed(j, newStatus) {
		cur := j.Status
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s (job %s)", ErrIllegalTransition, cur, newStatus, id)
	}

	now := s.now()
	heldAgent := j.AssignedAgentID

	switch newStatus {
	case StatusQueued:
		if j.QueuedAt == nil {
			j.QueuedAt = &now
		}
		// Requeue after a failed dispatch or retry drops the binding.
		j.AssignedAgentID = ""
		j.AssignedAt = nil
		j.StartedAt = nil

	case StatusAssigned:
		j.AssignedAgentID = opts.AgentID
		j.AssignedAt = &now

	case StatusRunning:
		j.StartedAt = &now

	case StatusRetry:
		j.RetryCount++
		j.Priority = j.Priority.Decay()
		j.AssignedAgentID = ""
		j.AssignedAt = nil
		j.StartedAt = nil
		j.ErrorMessage = ""
		j.CompletedAt = nil

	case StatusSuccess, StatusFailed, StatusCancelled, StatusTimeout:
		j.CompletedAt = &now
		if opts.Result != "" {
			j.Result = opts.Result
		}
		if opts.Error != "" {
			j.ErrorMessage = opts.Error
		}
		// A terminal status must carry a reason. Cancellation and timeout
		// supply their own when the caller gave none.
		if j.Result == "" && j.ErrorMessage == "" {
			switch newStatus {
			case StatusSuccess:
				j.Result = "completed"
			case StatusCancelled:
				j.ErrorMessage = "cancelled by client"
			case StatusTimeout:
				j.ErrorMessage = "job execution timed out"
			default:
				j.ErrorMessage = "job failed"
			}
		}
		j.AssignedAgentID = ""
	}

	j.Status = newStatus
	terminal := newStatus.Terminal()
	var snapshot *Job
	var fn TerminalFunc
	if terminal {
		snapshot = j.Clone()
		fn = s.onTerminal
	}
	s.mu.Unlock()

	s.logger.Debug("job transition",
		"job_id", id,
		"status", newStatus,
		"agent_id", opts.AgentID,
	)

	if terminal && fn != nil {
		fn(snapshot, heldAgent)
	}
	return nil
}

// allowed reports whether the state machine permits moving j to newStatus.
// Must be called with the store lock held.
func (s *Store) allowed(j *Job, newStatus Status) bool {
	if newStatus == StatusRetry {
		// Failed is terminal unless retry budget remains.
		return j.Status == StatusFailed && j.RetryCount < j.MaxRetries
	}
	if j.Status.Terminal() {
		return false
	}
	if newStatus == StatusCancelled {
		return true
	}
	for _, next := range legalTransitions[j.Status] {
		if next == newStatus {
			return true
		}
	}
	return false
}

// AppendScreenshots records screenshot references reported by the agent.
func (s *Store) AppendScreenshots(id string, refs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Screenshots = append(j.Screenshots, refs...)
	return nil
}

// Prune retains at most maxHistory terminal jobs ordered by completion time
// descending, deleting older ones. Returns the number of jobs removed.
func (s *Store) Prune(maxHistory int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var terminal []*Job
	for _, j := range s.jobs {
		if j.Status.Terminal() {
			terminal = append(terminal, j)
		}
	}
	if len(terminal) <= maxHistory {
		return 0
	}

	sort.Slice(terminal, func(a, b int) bool {
		ta, tb := terminal[a].CompletedAt, terminal[b].CompletedAt
		switch {
		case ta == nil:
			return false
		case tb == nil:
			return true
		case ta.Equal(*tb):
			return terminal[a].ID < terminal[b].ID
		}
		return ta.After(*tb)
	})

	removed := 0
	for _, j := range terminal[maxHistory:] {
		delete(s.jobs, j.ID)
		removed++
	}
	return removed
}
