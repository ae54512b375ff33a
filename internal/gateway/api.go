// ABOUTME: Ingress HTTP API: job submission, templates, agents, callbacks.
// ABOUTME: chi router with JSON handlers mapping sentinel errors to status codes.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/martingrgv/Strategic-RPA/internal/agent"
	"github.com/martingrgv/Strategic-RPA/internal/job"
	"github.com/martingrgv/Strategic-RPA/internal/session"
	"github.com/martingrgv/Strategic-RPA/internal/template"
)

// maxListTake caps the page size of job listings.
const maxListTake = 100

// defaultListTake is the page size when the client does not specify one.
const defaultListTake = 50

// JobSpecRequest is the JSON request body for POST /jobs.
type JobSpecRequest struct {
	Name            string            `json:"name"`
	ApplicationPath string            `json:"applicationPath"`
	Arguments       string            `json:"arguments,omitempty"`
	Steps           []job.Step        `json:"steps"`
	Priority        int               `json:"priority,omitempty"`
	MaxRetries      *int              `json:"maxRetries,omitempty"`
	WebhookURL      string            `json:"webhookUrl,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Validate checks the required fields and step shapes.
func (r JobSpecRequest) Validate() error {
	if err := validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required),
		validation.Field(&r.ApplicationPath, validation.Required),
		validation.Field(&r.Steps, validation.Required, validation.Length(1, 0)),
	); err != nil {
		return err
	}
	for i, s := range r.Steps {
		if !s.Type.Valid() {
			return fmt.Errorf("steps[%d]: unknown step type %q", i, s.Type)
		}
	}
	if r.Priority != 0 && !job.Priority(r.Priority).Valid() {
		return fmt.Errorf("priority must be between %d and %d", job.PriorityLow, job.PriorityCritical)
	}
	return nil
}

// CreateJobResponse is the JSON response for job submission.
type CreateJobResponse struct {
	Success bool       `json:"success"`
	JobID   string     `json:"jobId"`
	Status  job.Status `json:"status"`
}

// ExecuteTemplateRequest is the JSON request body for template execution.
type ExecuteTemplateRequest struct {
	Parameters map[string]any `json:"parameters"`
	Priority   int            `json:"priority,omitempty"`
	WebhookURL string         `json:"webhookUrl,omitempty"`
}

// RegisterAgentRequest is the JSON request body for POST /agents.
type RegisterAgentRequest struct {
	Name         string             `json:"name"`
	User         string             `json:"user"`
	Capabilities agent.Capabilities `json:"capabilities"`
}

// Validate checks the required registration fields.
func (r RegisterAgentRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required),
		validation.Field(&r.User, validation.Required),
	)
}

// StatusCallbackRequest is the JSON request body for PATCH /jobs/{id}/status.
type StatusCallbackRequest struct {
	Status      string   `json:"status"`
	Result      string   `json:"result,omitempty"`
	Error       string   `json:"error,omitempty"`
	Screenshots []string `json:"screenshots,omitempty"`
}

// SuccessResponse is the generic JSON success envelope.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// ErrorResponse is the JSON failure envelope every error takes.
type ErrorResponse struct {
	Success      bool     `json:"success"`
	ErrorMessage string   `json:"errorMessage"`
	Errors       []string `json:"errors"`
}

// Router builds the ingress HTTP surface.
func (o *Orchestrator) Router() http.Handler {
	r := chi.NewRouter()

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", o.handleCreateJob)
		r.Get("/", o.handleListJobs)
		r.Get("/{id}", o.handleGetJob)
		r.Post("/{id}/cancel", o.handleCancelJob)
		r.Patch("/{id}/status", o.handleStatusCallback)
	})

	r.Route("/templates", func(r chi.Router) {
		r.Get("/", o.handleListTemplates)
		r.Get("/{id}", o.handleGetTemplate)
		r.Post("/{id}/execute", o.handleExecuteTemplate)
	})

	r.Route("/agents", func(r chi.Router) {
		r.Post("/", o.handleRegisterAgent)
		r.Get("/", o.handleListAgents)
		r.Post("/{id}/heartbeat", o.handleHeartbeat)
		r.Delete("/{id}", o.handleUnregisterAgent)
	})

	r.Get("/health", o.handleHealth)
	r.Get("/health/ready", o.handleReady)

	return r
}

// handleCreateJob handles POST /jobs. A job that can be placed right away
// answers 201; one that has to wait for capacity answers 202. Both are
// queued either way.
func (o *Orchestrator) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req JobSpecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		o.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		o.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	j := job.New(req.Name, req.ApplicationPath, req.Steps)
	j.Arguments = req.Arguments
	if req.Priority != 0 {
		j.Priority = job.Priority(req.Priority)
	}
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		j.MaxRetries = *req.MaxRetries
	}
	j.WebhookURL = req.WebhookURL
	j.Metadata = req.Metadata

	o.submitJob(w, j)
}

// submitJob stores, enqueues and answers for a freshly built job.
func (o *Orchestrator) submitJob(w http.ResponseWriter, j *job.Job) {
	hasCapacity := o.HasCapacity(j.ApplicationPath)

	stored, err := o.CreateJob(j)
	if err != nil {
		o.writeInternalError(w, "enqueueing job", err)
		return
	}

	status := http.StatusCreated
	if !hasCapacity {
		status = http.StatusAccepted
	}
	o.writeJSON(w, status, CreateJobResponse{Success: true, JobID: stored.ID, Status: stored.Status})
}

// handleGetJob handles GET /jobs/{id}.
func (o *Orchestrator) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := o.jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		o.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	o.writeJSON(w, http.StatusOK, j)
}

// handleListJobs handles GET /jobs?status=&skip=&take=.
func (o *Orchestrator) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var statusFilter job.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		statusFilter = job.Status(raw)
	}

	skip, err := queryInt(r, "skip", 0)
	if err != nil || skip < 0 {
		o.writeError(w, http.StatusBadRequest, "skip must be a non-negative integer")
		return
	}
	take, err := queryInt(r, "take", defaultListTake)
	if err != nil || take < 1 {
		o.writeError(w, http.StatusBadRequest, "take must be a positive integer")
		return
	}
	if take > maxListTake {
		take = maxListTake
	}

	o.writeJSON(w, http.StatusOK, o.jobs.List(statusFilter, skip, take))
}

// handleCancelJob handles POST /jobs/{id}/cancel.
func (o *Orchestrator) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	ok, err := o.sched.Cancel(chi.URLParam(r, "id"))
	if errors.Is(err, job.ErrJobNotFound) {
		o.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		o.writeInternalError(w, "cancelling job", err)
		return
	}
	o.writeJSON(w, http.StatusOK, SuccessResponse{Success: ok})
}

// handleStatusCallback handles PATCH /jobs/{id}/status: the agent-side
// completion notification. Redelivered callbacks for a job that is
// already terminal are acknowledged without reprocessing.
func (o *Orchestrator) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	var req StatusCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		o.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	status := job.Status(req.Status)
	dedupeKey := jobID + ":" + req.Status

	if len(req.Screenshots) > 0 {
		if err := o.jobs.AppendScreenshots(jobID, req.Screenshots); err != nil && !errors.Is(err, job.ErrJobNotFound) {
			o.logger.Warn("recording screenshots failed", "job_id", jobID, "error", err)
		}
	}

	err := o.sched.HandleStatusCallback(jobID, status, req.Result, req.Error)
	switch {
	case err == nil:
		// Remember the applied callback so redeliveries of a since-pruned
		// job still get an acknowledgement.
		o.callbacks.CheckAndMark(dedupeKey)
		o.writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
	case errors.Is(err, job.ErrJobNotFound):
		if o.callbacks.CheckAndMark(dedupeKey) {
			o.writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
			return
		}
		o.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, job.ErrIllegalTransition):
		// A redelivery of the terminal status the job already holds acks.
		if j, getErr := o.jobs.Get(jobID); getErr == nil && j.Status == status {
			o.writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
			return
		}
		o.writeError(w, http.StatusBadRequest, err.Error())
	default:
		o.writeInternalError(w, "applying status callback", err)
	}
}

// handleListTemplates handles GET /templates.
func (o *Orchestrator) handleListTemplates(w http.ResponseWriter, _ *http.Request) {
	o.writeJSON(w, http.StatusOK, o.templates.List())
}

// handleGetTemplate handles GET /templates/{id}.
func (o *Orchestrator) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := o.templates.Get(chi.URLParam(r, "id"))
	if err != nil {
		o.writeError(w, http.StatusNotFound, "template not found")
		return
	}
	o.writeJSON(w, http.StatusOK, t)
}

// handleExecuteTemplate handles POST /templates/{id}/execute: expand the
// template and submit the resulting job.
func (o *Orchestrator) handleExecuteTemplate(w http.ResponseWriter, r *http.Request) {
	templateID := chi.URLParam(r, "id")

	var req ExecuteTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		o.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Priority != 0 && !job.Priority(req.Priority).Valid() {
		o.writeError(w, http.StatusBadRequest, "priority must be between 1 and 4")
		return
	}

	j, err := o.templates.Expand(templateID, stringifyParams(req.Parameters), template.ExpandOptions{
		Priority:   job.Priority(req.Priority),
		WebhookURL: req.WebhookURL,
	})
	switch {
	case errors.Is(err, template.ErrTemplateNotFound):
		o.writeError(w, http.StatusNotFound, "template not found")
		return
	case errors.Is(err, template.ErrParamMissing),
		errors.Is(err, template.ErrParamInvalid),
		errors.Is(err, template.ErrUnresolvedToken):
		o.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		o.writeInternalError(w, "expanding template", err)
		return
	}

	o.submitJob(w, j)
}

// stringifyParams flattens JSON parameter values to their string forms,
// matching how tokens are substituted.
func stringifyParams(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		case nil:
			// Absent parameter; let validation decide.
		default:
			b, _ := json.Marshal(val)
			out[k] = string(b)
		}
	}
	return out
}

// handleRegisterAgent handles POST /agents.
func (o *Orchestrator) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		o.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		o.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	a, err := o.RegisterAgent(r.Context(), req.Name, req.User, req.Capabilities)
	switch {
	case errors.Is(err, session.ErrNoFreePort):
		o.writeError(w, http.StatusServiceUnavailable, "no free session port")
		return
	case errors.Is(err, agent.ErrAgentAlreadyRegistered):
		o.writeError(w, http.StatusConflict, "agent already registered")
		return
	case err != nil:
		// Provisioning failed; the agent host is unavailable.
		o.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	o.writeJSON(w, http.StatusCreated, a)
}

// handleListAgents handles GET /agents.
func (o *Orchestrator) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	o.writeJSON(w, http.StatusOK, o.pool.List())
}

// handleHeartbeat handles POST /agents/{id}/heartbeat.
func (o *Orchestrator) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	err := o.pool.Heartbeat(chi.URLParam(r, "id"))
	if errors.Is(err, agent.ErrAgentNotFound) {
		o.writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		o.writeInternalError(w, "recording heartbeat", err)
		return
	}
	o.writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// handleUnregisterAgent handles DELETE /agents/{id}.
func (o *Orchestrator) handleUnregisterAgent(w http.ResponseWriter, r *http.Request) {
	err := o.UnregisterAgent(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, agent.ErrAgentNotFound):
		o.writeError(w, http.StatusNotFound, "agent not found")
	case errors.Is(err, session.ErrSessionNotFound):
		// The agent is gone; a missing session is already the end state.
		o.writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
	case err != nil:
		o.writeInternalError(w, "unregistering agent", err)
	default:
		o.writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
	}
}

// handleHealth handles GET /health (liveness).
func (o *Orchestrator) handleHealth(w http.ResponseWriter, _ *http.Request) {
	o.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyResponse is the JSON body for GET /health/ready.
type readyResponse struct {
	Status     string               `json:"status"`
	Agents     map[agent.Status]int `json:"agents"`
	QueueDepth int                  `json:"queueDepth"`
	Jobs       int                  `json:"jobs"`
	UptimeSec  int64                `json:"uptimeSec"`
}

// handleReady handles GET /health/ready (readiness with fleet counts).
func (o *Orchestrator) handleReady(w http.ResponseWriter, _ *http.Request) {
	o.writeJSON(w, http.StatusOK, readyResponse{
		Status:     "ok",
		Agents:     o.pool.CountByStatus(),
		QueueDepth: o.queue.Size(),
		Jobs:       o.jobs.Count(),
		UptimeSec:  int64(time.Since(o.startedAt).Seconds()),
	})
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// writeJSON writes a JSON response with the given status code.
func (o *Orchestrator) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		o.logger.Error("encoding response failed", "error", err)
	}
}

// writeError writes the standard failure envelope.
func (o *Orchestrator) writeError(w http.ResponseWriter, status int, message string) {
	o.writeJSON(w, status, ErrorResponse{
		Success:      false,
		ErrorMessage: message,
		Errors:       []string{message},
	})
}

// writeInternalError logs the cause with a correlation id and answers 500
// without leaking internals.
func (o *Orchestrator) writeInternalError(w http.ResponseWriter, action string, err error) {
	correlationID := uuid.New().String()
	o.logger.Error("internal error",
		"action", action,
		"correlation_id", correlationID,
		"error", err,
	)
	o.writeError(w, http.StatusInternalServerError, "internal error (correlation id "+correlationID+")")
}
