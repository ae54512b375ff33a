// ABOUTME: Session manager: create/terminate/recycle sessions and agent binding.
// ABOUTME: Serializes registry mutations; provisioner I/O runs with the lock released.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound indicates the requested session id is unknown.
var ErrSessionNotFound = errors.New("session not found")

// ErrNoFreePort indicates port allocation exhausted its retry budget.
var ErrNoFreePort = errors.New("no free session port")

// DefaultBasePort is the first port in the session port range.
const DefaultBasePort = 3390

// portRange is the random offset span above the base port.
const portRange = 1000

// portAttempts bounds collision retries during port allocation.
const portAttempts = 8

// Manager owns all sessions. A session binds to at most one agent at a
// time; its id survives recycles so agents keep a stable back-reference.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	logger   *slog.Logger

	provisioner Provisioner
	basePort    int

	now     func() time.Time
	randInt func(n int) int
}

// NewManager creates a session manager using the given provisioner.
func NewManager(provisioner Provisioner, basePort int, logger *slog.Logger) *Manager {
	if basePort <= 0 {
		basePort = DefaultBasePort
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		logger:      logger,
		provisioner: provisioner,
		basePort:    basePort,
		now:         func() time.Time { return time.Now().UTC() },
		randInt:     rand.Intn,
	}
}

// SetClock overrides the manager's time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Create allocates a session for the given host user, provisions it, and
// returns it in Active state. Provisioning failures fail fast back to the
// caller and leave no registry entry behind.
func (m *Manager) Create(ctx context.Context, hostUser string) (*Session, error) {
	m.mu.Lock()
	port, err := m.allocatePortLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	now := m.now()
	s := &Session{
		ID:           uuid.New().String(),
		HostUser:     hostUser,
		Status:       StatusStarting,
		CreatedAt:    now,
		LastActivity: now,
		Port:         port,
		Generation:   1,
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if err := m.provisioner.Provision(ctx, hostUser, port); err != nil {
		m.mu.Lock()
		delete(m.sessions, s.ID)
		m.mu.Unlock()
		return nil, fmt.Errorf("provisioning session for %s: %w", hostUser, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[s.ID]
	if !ok {
		// Terminated while provisioning; the registry entry is gone.
		return nil, ErrSessionNotFound
	}
	s.Status = StatusActive
	clone := s.Clone()

	m.logger.Info("session created",
		"session_id", s.ID,
		"host_user", hostUser,
		"port", port,
	)
	return clone, nil
}

// allocatePortLocked draws basePort + random(0..1000), retrying on
// collision with an existing session. Must be called with the lock held.
func (m *Manager) allocatePortLocked() (int, error) {
	used := make(map[int]struct{}, len(m.sessions))
	for _, s := range m.sessions {
		if s.Status != StatusTerminated {
			used[s.Port] = struct{}{}
		}
	}
	for i := 0; i < portAttempts; i++ {
		port := m.basePort + m.randInt(portRange+1)
		if _, taken := used[port]; !taken {
			return port, nil
		}
	}
	return 0, ErrNoFreePort
}

// Terminate destroys the session and removes it from the registry.
func (m *Manager) Terminate(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	s.Status = StatusTerminating
	hostUser, port := s.HostUser, s.Port
	m.mu.Unlock()

	if err := m.provisioner.Destroy(ctx, hostUser, port); err != nil {
		m.logger.Warn("session destroy failed", "session_id", id, "error", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok = m.sessions[id]
	if !ok {
		return nil
	}
	now := m.now()
	s.Status = StatusTerminated
	s.TerminatedAt = &now
	delete(m.sessions, id)

	m.logger.Info("session terminated", "session_id", id, "host_user", hostUser)
	return nil
}

// Assign binds the session to an agent for the duration of a job.
func (m *Manager) Assign(sessionID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.AssignedAgentID = agentID
	s.Status = StatusBusy
	s.LastActivity = m.now()
	return nil
}

// Release returns the session to Active after a job and counts the job.
func (m *Manager) Release(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.JobsProcessed++
	s.LastActivity = m.now()
	if s.Status == StatusBusy {
		s.Status = StatusActive
	}
	return nil
}

// Recycle destroys the underlying host session and provisions a fresh one
// for the same user, preserving the externally visible session id. The
// generation counter is bumped so logs and metrics can tell incarnations
// apart.
func (m *Manager) Recycle(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	s.Status = StatusRecycling
	hostUser, port, generation := s.HostUser, s.Port, s.Generation
	m.mu.Unlock()

	if err := m.provisioner.Destroy(ctx, hostUser, port); err != nil {
		m.logger.Warn("recycle: destroy failed", "session_id", id, "error", err)
	}
	provisionErr := m.provisioner.Provision(ctx, hostUser, port)

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok = m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if provisionErr != nil {
		s.Status = StatusError
		return fmt.Errorf("recycling session %s: %w", id, provisionErr)
	}

	s.Status = StatusActive
	s.JobsProcessed = 0
	s.Generation = generation + 1
	s.LastActivity = m.now()

	m.logger.Info("session recycled",
		"session_id", id,
		"host_user", hostUser,
		"generation", s.Generation,
	)
	return nil
}

// CheckHealth asks the provisioner about the session. An unhealthy result
// marks the session Unhealthy; a healthy one recovers it to Active. The
// health monitor decides what to do with unhealthy sessions.
func (m *Manager) CheckHealth(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false, ErrSessionNotFound
	}
	hostUser, port := s.HostUser, s.Port
	m.mu.Unlock()

	healthy, err := m.provisioner.CheckHealth(ctx, hostUser, port)

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok = m.sessions[id]
	if !ok {
		return false, ErrSessionNotFound
	}
	now := m.now()
	s.LastHealthCheck = &now
	if err != nil {
		return false, fmt.Errorf("health check for session %s: %w", id, err)
	}
	if healthy {
		if s.Status == StatusUnhealthy {
			s.Status = StatusActive
		}
	} else {
		s.Status = StatusUnhealthy
	}
	return healthy, nil
}

// Get returns a clone of the session, or ErrSessionNotFound.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// List returns clones of all sessions ordered by id.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecycleCandidates returns clones of sessions that have been inactive
// beyond the timeout or have processed at least maxJobs jobs. Only Active
// sessions are considered; a Busy session becomes a candidate on a later
// call once its job is released.
func (m *Manager) RecycleCandidates(inactivityTimeout time.Duration, maxJobs int) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []*Session
	for _, s := range m.sessions {
		if s.Status != StatusActive {
			continue
		}
		if now.Sub(s.LastActivity) > inactivityTimeout || (maxJobs > 0 && s.JobsProcessed >= maxJobs) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
