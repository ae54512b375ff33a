// ABOUTME: Agent model types: status, capabilities, and execution metrics.
// ABOUTME: An agent is a worker process bound 1:1 to an isolated session.

package agent

import "time"

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusStarting    Status = "starting"
	StatusIdle        Status = "idle"
	StatusBusy        Status = "busy"
	StatusError       Status = "error"
	StatusOffline     Status = "offline"
	StatusRecycling   Status = "recycling"
	StatusTerminating Status = "terminating"
)

// Capabilities describes what work an agent accepts. An empty
// SupportedApplications list accepts every application.
type Capabilities struct {
	SupportedApplications []string `json:"supportedApplications,omitempty"`
	MaxConcurrentJobs     int      `json:"maxConcurrentJobs"`
}

// Metrics accumulates per-agent execution statistics.
type Metrics struct {
	TotalCompleted  int           `json:"totalCompleted"`
	TotalFailed     int           `json:"totalFailed"`
	AverageDuration time.Duration `json:"averageDuration"`
	LastCompletedAt *time.Time    `json:"lastCompletedAt,omitempty"`
}

// SuccessRate returns completed/(completed+failed). Agents with no history
// score a full rate so cold agents are not starved by ranking.
func (m Metrics) SuccessRate() float64 {
	total := m.TotalCompleted + m.TotalFailed
	if total == 0 {
		return 1.0
	}
	return float64(m.TotalCompleted) / float64(total)
}

// record folds one finished job into the metrics. The average duration is
// a cumulative moving average over all finished jobs.
func (m *Metrics) record(duration time.Duration, success bool, completedAt time.Time) {
	prev := m.TotalCompleted + m.TotalFailed
	if success {
		m.TotalCompleted++
	} else {
		m.TotalFailed++
	}
	m.AverageDuration = (m.AverageDuration*time.Duration(prev) + duration) / time.Duration(prev+1)
	t := completedAt
	m.LastCompletedAt = &t
}

// Agent is a worker host entry in the pool. The pool owns the canonical
// copy; reads hand out clones.
type Agent struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	SessionID     string       `json:"sessionId"`
	HostUser      string       `json:"hostUser"`
	Capabilities  Capabilities `json:"capabilities"`
	Status        Status       `json:"status"`
	CreatedAt     time.Time    `json:"createdAt"`
	LastHeartbeat *time.Time   `json:"lastHeartbeat,omitempty"`
	CurrentJobID  string       `json:"currentJobId,omitempty"`
	JobsExecuted  int          `json:"jobsExecuted"`
	LastError     string       `json:"lastError,omitempty"`
	EndpointURL   string       `json:"endpointUrl"`
	Metrics       Metrics      `json:"metrics"`
}

// Clone returns a deep copy.
func (a *Agent) Clone() *Agent {
	c := *a
	c.Capabilities.SupportedApplications = append([]string(nil), a.Capabilities.SupportedApplications...)
	if a.LastHeartbeat != nil {
		t := *a.LastHeartbeat
		c.LastHeartbeat = &t
	}
	if a.Metrics.LastCompletedAt != nil {
		t := *a.Metrics.LastCompletedAt
		c.Metrics.LastCompletedAt = &t
	}
	return &c
}

// activeJobs is the number of jobs currently held. Agents are single-tenant
// so this is 0 or 1.
func (a *Agent) activeJobs() int {
	if a.CurrentJobID != "" {
		return 1
	}
	return 0
}
