// ABOUTME: Tests for webhook delivery of terminal job payloads.
// ABOUTME: Validates payload shape, the single retry, and give-up behavior.

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martingrgv/Strategic-RPA/internal/job"
)

func TestWebhookNotifier_Delivers(t *testing.T) {
	var received job.Job
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	j := job.New("hooked", "calc", []job.Step{{Order: 1, Type: job.StepClick, Target: "x"}})
	j.WebhookURL = server.URL
	j.Status = job.StatusSuccess
	j.Result = "done"

	n := newWebhookNotifier(slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.retryDelay = 0
	n.Notify(context.Background(), j)

	assert.Equal(t, j.ID, received.ID)
	assert.Equal(t, "done", received.Result)
}

func TestWebhookNotifier_RetriesOnce(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	j := job.New("hooked", "calc", []job.Step{{Order: 1, Type: job.StepClick, Target: "x"}})
	j.WebhookURL = server.URL

	n := newWebhookNotifier(slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.retryDelay = 0
	n.Notify(context.Background(), j)

	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookNotifier_GivesUpAfterRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	j := job.New("hooked", "calc", []job.Step{{Order: 1, Type: job.StepClick, Target: "x"}})
	j.WebhookURL = server.URL

	n := newWebhookNotifier(slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.retryDelay = 0
	n.Notify(context.Background(), j)

	assert.Equal(t, int32(2), calls.Load(), "one retry, then drop")
}
