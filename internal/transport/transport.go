// ABOUTME: HTTP transport for orchestrator-to-agent calls: send, cancel, status.
// ABOUTME: Retries with exponential backoff behind a per-endpoint circuit breaker.

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/martingrgv/Strategic-RPA/internal/job"
)

// ErrSendRejected indicates the agent rejected the job (4xx). Not retried.
var ErrSendRejected = errors.New("agent rejected job")

// ErrCircuitOpen indicates the endpoint's breaker is open and the call was
// short-circuited.
var ErrCircuitOpen = errors.New("circuit breaker open")

// DefaultSendTimeout bounds a single send round-trip.
const DefaultSendTimeout = 10 * time.Second

// sendBackoff is the per-attempt delay schedule on retryable failures.
var sendBackoff = []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, 1000 * time.Millisecond}

// Endpoint identifies a remote agent for transport purposes.
type Endpoint struct {
	AgentID string
	URL     string
}

// StatusReport is the agent's self-reported state from GET {url}/status.
type StatusReport struct {
	Status       string `json:"status"`
	CurrentJobID string `json:"currentJobId,omitempty"`
	Uptime       string `json:"uptime,omitempty"`
}

// Transport sends jobs, cancellations, and status queries to remote agents.
type Transport interface {
	// Send delivers the full job. It returns nil only when the agent
	// acknowledged acceptance. Network errors and 5xx responses retry up
	// to three attempts with exponential backoff; 4xx is ErrSendRejected.
	Send(ctx context.Context, ep Endpoint, j *job.Job) error

	// Cancel asks the agent to abort a job. Best-effort, no retry.
	Cancel(ctx context.Context, ep Endpoint, jobID string) error

	// Status polls the agent's current state.
	Status(ctx context.Context, ep Endpoint) (*StatusReport, error)
}

// HTTPTransport is the production Transport over plain HTTP.
type HTTPTransport struct {
	client  *http.Client
	breaker *breaker
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// Options tune the HTTP transport.
type Options struct {
	SendTimeout     time.Duration
	CircuitFailures int
	CircuitCooldown time.Duration
}

// NewHTTP creates an HTTP transport.
func NewHTTP(opts Options, logger *slog.Logger) *HTTPTransport {
	timeout := opts.SendTimeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &HTTPTransport{
		client:  &http.Client{Timeout: timeout},
		breaker: newBreaker(opts.CircuitFailures, opts.CircuitCooldown),
		logger:  logger,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, ep Endpoint, j *job.Job) error {
	if !t.breaker.allow(ep.URL) {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, ep.URL)
	}

	body, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", j.ID, err)
	}

	var lastErr error
	for attempt := 0; attempt < len(sendBackoff); attempt++ {
		if attempt > 0 {
			if err := t.sleep(ctx, sendBackoff[attempt-1]); err != nil {
				break
			}
		}

		err := t.post(ctx, ep.URL+"/jobs", body)
		if err == nil {
			t.breaker.recordSuccess(ep.URL)
			return nil
		}
		if errors.Is(err, ErrSendRejected) {
			// Client errors are terminal; the agent will never accept this.
			t.breaker.recordSuccess(ep.URL)
			return err
		}
		lastErr = err
		t.logger.Debug("send attempt failed",
			"agent_id", ep.AgentID,
			"job_id", j.ID,
			"attempt", attempt+1,
			"error", err,
		)
	}

	t.breaker.recordFailure(ep.URL)
	return fmt.Errorf("sending job %s to %s: %w", j.ID, ep.AgentID, lastErr)
}

// post issues one POST and classifies the response.
func (t *HTTPTransport) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: status %d", ErrSendRejected, resp.StatusCode)
	default:
		return fmt.Errorf("agent returned status %d", resp.StatusCode)
	}
}

// Cancel implements Transport. A failure is logged and returned but never
// retried; cancellation is best-effort.
func (t *HTTPTransport) Cancel(ctx context.Context, ep Endpoint, jobID string) error {
	url := fmt.Sprintf("%s/jobs/%s/cancel", ep.URL, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("cancel delivery failed", "agent_id", ep.AgentID, "job_id", jobID, "error", err)
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("cancel returned status %d", resp.StatusCode)
	}
	return nil
}

// Status implements Transport. Breaker-guarded like Send. A failed poll
// only returns the error; this call changes no agent state.
func (t *HTTPTransport) Status(ctx context.Context, ep Endpoint) (*StatusReport, error) {
	if !t.breaker.allow(ep.URL) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, ep.URL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL+"/status", nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.breaker.recordFailure(ep.URL)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.breaker.recordFailure(ep.URL)
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("status returned %d", resp.StatusCode)
	}

	var report StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.breaker.recordFailure(ep.URL)
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	t.breaker.recordSuccess(ep.URL)
	return &report, nil
}
