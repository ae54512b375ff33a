// ABOUTME: Job and Step model types for the dispatch platform.
// ABOUTME: Defines statuses, priorities, step types, and the wire-facing Job struct.

package job

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusRetry     Status = "retry"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether the status is final. Terminal jobs never
// transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Priority orders jobs in the queue. Higher values dispatch first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// Valid reports whether p is one of the defined priority levels.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// Decay lowers the priority by one level, never below Low. Retried jobs
// are requeued with decayed priority.
func (p Priority) Decay() Priority {
	if p <= PriorityLow {
		return PriorityLow
	}
	return p - 1
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "unknown"
}

// StepType identifies a UI interaction kind. The set is closed.
type StepType string

const (
	StepClick          StepType = "click"
	StepDoubleClick    StepType = "double_click"
	StepRightClick     StepType = "right_click"
	StepTypeText       StepType = "type"
	StepKeyPress       StepType = "key_press"
	StepWait           StepType = "wait"
	StepWaitForElement StepType = "wait_for_element"
	StepGetText        StepType = "get_text"
	StepSetText        StepType = "set_text"
	StepSelectItem     StepType = "select_item"
	StepDragDrop       StepType = "drag_drop"
	StepScroll         StepType = "scroll"
	StepTakeScreenshot StepType = "take_screenshot"
	StepValidate       StepType = "validate"
	StepCustom         StepType = "custom"
)

// stepTypes is the closed set of valid step types.
var stepTypes = map[StepType]struct{}{
	StepClick: {}, StepDoubleClick: {}, StepRightClick: {}, StepTypeText: {},
	StepKeyPress: {}, StepWait: {}, StepWaitForElement: {}, StepGetText: {},
	StepSetText: {}, StepSelectItem: {}, StepDragDrop: {}, StepScroll: {},
	StepTakeScreenshot: {}, StepValidate: {}, StepCustom: {},
}

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	_, ok := stepTypes[t]
	return ok
}

// DefaultStepTimeoutMs is applied when a step does not specify a timeout.
const DefaultStepTimeoutMs = 5000

// DefaultMaxRetries bounds how often a failed job is retried.
const DefaultMaxRetries = 3

// Step is one UI interaction within a job.
type Step struct {
	Order           int               `json:"order"`
	Type            StepType          `json:"type"`
	Target          string            `json:"target"`
	Value           string            `json:"value,omitempty"`
	TimeoutMs       int               `json:"timeoutMs"`
	ContinueOnError bool              `json:"continueOnError"`
	Description     string            `json:"description,omitempty"`
	Parameters      map[string]string `json:"parameters,omitempty"`
}

// Job is a unit of automation work executed on exactly one agent.
type Job struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	ApplicationPath    string            `json:"applicationPath"`
	Arguments          string            `json:"arguments,omitempty"`
	Steps              []Step            `json:"steps"`
	Status             Status            `json:"status"`
	Priority           Priority          `json:"priority"`
	CreatedAt          time.Time         `json:"createdAt"`
	QueuedAt           *time.Time        `json:"queuedAt,omitempty"`
	AssignedAt         *time.Time        `json:"assignedAt,omitempty"`
	StartedAt          *time.Time        `json:"startedAt,omitempty"`
	CompletedAt        *time.Time        `json:"completedAt,omitempty"`
	AssignedAgentID    string            `json:"assignedAgentId,omitempty"`
	Result             string            `json:"result,omitempty"`
	ErrorMessage       string            `json:"errorMessage,omitempty"`
	RetryCount         int               `json:"retryCount"`
	MaxRetries         int               `json:"maxRetries"`
	Screenshots        []string          `json:"screenshots"`
	WebhookURL         string            `json:"webhookUrl,omitempty"`
	TemplateID         string            `json:"templateId,omitempty"`
	TemplateParameters map[string]string `json:"templateParameters,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// New creates a pending job with a fresh id and default priority and
// retry bound. Steps keep their caller-provided order; zero step timeouts
// are filled with the default.
func New(name, applicationPath string, steps []Step) *Job {
	normalized := make([]Step, len(steps))
	copy(normalized, steps)
	for i := range normalized {
		if normalized[i].TimeoutMs <= 0 {
			normalized[i].TimeoutMs = DefaultStepTimeoutMs
		}
	}

	return &Job{
		ID:              uuid.New().String(),
		Name:            name,
		ApplicationPath: applicationPath,
		Steps:           normalized,
		Status:          StatusPending,
		Priority:        PriorityNormal,
		CreatedAt:       time.Now().UTC(),
		MaxRetries:      DefaultMaxRetries,
		Screenshots:     []string{},
	}
}

// Clone returns a deep copy. Store reads hand out clones so callers never
// observe concurrent mutation.
func (j *Job) Clone() *Job {
	c := *j
	c.Steps = make([]Step, len(j.Steps))
	copy(c.Steps, j.Steps)
	for i, s := range j.Steps {
		if s.Parameters != nil {
			p := make(map[string]string, len(s.Parameters))
			for k, v := range s.Parameters {
				p[k] = v
			}
			c.Steps[i].Parameters = p
		}
	}
	c.Screenshots = append([]string(nil), j.Screenshots...)
	if j.TemplateParameters != nil {
		tp := make(map[string]string, len(j.TemplateParameters))
		for k, v := range j.TemplateParameters {
			tp[k] = v
		}
		c.TemplateParameters = tp
	}
	if j.Metadata != nil {
		md := make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			md[k] = v
		}
		c.Metadata = md
	}
	if j.QueuedAt != nil {
		t := *j.QueuedAt
		c.QueuedAt = &t
	}
	if j.AssignedAt != nil {
		t := *j.AssignedAt
		c.AssignedAt = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
