// ABOUTME: Minimal fake agent for E2E testing — accepts jobs over HTTP and
// ABOUTME: reports completions back. Usage: fake-agent [-listen :9100] [-orchestrator localhost:8080]

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/martingrgv/Strategic-RPA/internal/job"
)

func main() {
	listen := flag.String("listen", ":9100", "HTTP listen address")
	orchestrator := flag.String("orchestrator", "localhost:8080", "Orchestrator address for callbacks")
	agentID := flag.String("id", "e2e-fake-agent", "Agent ID used for heartbeats")
	stepDelay := flag.Duration("step-delay", 100*time.Millisecond, "Simulated per-step execution time")
	flag.Parse()

	if err := run(*listen, *orchestrator, *agentID, *stepDelay); err != nil {
		log.Fatal(err)
	}
}

// fakeAgent pretends to execute UI automation: every step succeeds after a
// short delay, then the terminal status is posted back to the orchestrator.
type fakeAgent struct {
	mu         sync.Mutex
	currentJob string
	startedAt  time.Time

	orchestrator string
	agentID      string
	stepDelay    time.Duration
	client       *http.Client
}

func run(listen, orchestrator, agentID string, stepDelay time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	a := &fakeAgent{
		orchestrator: orchestrator,
		agentID:      agentID,
		stepDelay:    stepDelay,
		client:       &http.Client{Timeout: 10 * time.Second},
		startedAt:    time.Now(),
	}

	r := chi.NewRouter()
	r.Post("/jobs", a.handleJob)
	r.Post("/jobs/{id}/cancel", a.handleCancel)
	r.Get("/status", a.handleStatus)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{Addr: listen, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go a.heartbeatLoop(ctx)

	fmt.Fprintf(os.Stderr, "fake agent listening on %s, reporting to %s\n", listen, orchestrator)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// handleJob accepts a job and executes it in the background.
func (a *fakeAgent) handleJob(w http.ResponseWriter, r *http.Request) {
	var j job.Job
	if err := json.NewDecoder(r.Body).Decode(&j); err != nil {
		http.Error(w, "invalid job payload", http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	if a.currentJob != "" {
		a.mu.Unlock()
		http.Error(w, "agent busy", http.StatusConflict)
		return
	}
	a.currentJob = j.ID
	a.mu.Unlock()

	go a.execute(j)
	w.WriteHeader(http.StatusAccepted)
}

// execute simulates step execution and posts the terminal callback.
func (a *fakeAgent) execute(j job.Job) {
	for range j.Steps {
		time.Sleep(a.stepDelay)

		a.mu.Lock()
		cancelled := a.currentJob != j.ID
		a.mu.Unlock()
		if cancelled {
			return
		}
	}

	a.mu.Lock()
	a.currentJob = ""
	a.mu.Unlock()

	a.postCallback(j.ID, map[string]string{
		"status": string(job.StatusSuccess),
		"result": fmt.Sprintf("executed %d steps", len(j.Steps)),
	})
}

// handleCancel drops the current job without a callback; the orchestrator
// has already moved on.
func (a *fakeAgent) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	a.mu.Lock()
	if a.currentJob == jobID {
		a.currentJob = ""
	}
	a.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

// handleStatus reports the agent's current state.
func (a *fakeAgent) handleStatus(w http.ResponseWriter, _ *http.Request) {
	a.mu.Lock()
	status := "idle"
	if a.currentJob != "" {
		status = "busy"
	}
	body := map[string]string{
		"status":       status,
		"currentJobId": a.currentJob,
		"uptime":       time.Since(a.startedAt).String(),
	}
	a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// heartbeatLoop pings the orchestrator every 30 seconds.
func (a *fakeAgent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			url := fmt.Sprintf("http://%s/agents/%s/heartbeat", a.orchestrator, a.agentID)
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
			if err != nil {
				continue
			}
			if resp, err := a.client.Do(req); err == nil {
				resp.Body.Close()
			}
		}
	}
}

// postCallback PATCHes the job status back to the orchestrator.
func (a *fakeAgent) postCallback(jobID string, payload map[string]string) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	url := fmt.Sprintf("http://%s/jobs/%s/status", a.orchestrator, jobID)
	req, err := http.NewRequest(http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "callback failed for job %s: %v\n", jobID, err)
		return
	}
	resp.Body.Close()
}
