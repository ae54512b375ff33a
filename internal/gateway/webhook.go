// ABOUTME: Webhook notifier delivering terminal job payloads to client URLs.
// ABOUTME: Best-effort POST with a single retry, run on supervised tasks.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/martingrgv/Strategic-RPA/internal/job"
)

// webhookTimeout bounds one delivery attempt.
const webhookTimeout = 10 * time.Second

// webhookRetryDelay is the pause before the single retry.
const webhookRetryDelay = 2 * time.Second

// webhookNotifier posts finished jobs to their webhook URLs.
type webhookNotifier struct {
	client     *http.Client
	logger     *slog.Logger
	retryDelay time.Duration
}

func newWebhookNotifier(logger *slog.Logger) *webhookNotifier {
	return &webhookNotifier{
		client:     &http.Client{Timeout: webhookTimeout},
		logger:     logger,
		retryDelay: webhookRetryDelay,
	}
}

// Notify delivers the job payload to its webhook URL. One failed attempt
// is retried once; after that the delivery is dropped with a warning.
func (n *webhookNotifier) Notify(ctx context.Context, j *job.Job) {
	body, err := json.Marshal(j)
	if err != nil {
		n.logger.Error("encoding webhook payload failed", "job_id", j.ID, "error", err)
		return
	}

	for attempt := 1; attempt <= 2; attempt++ {
		if err := n.deliver(ctx, j.WebhookURL, body); err == nil {
			n.logger.Debug("webhook delivered", "job_id", j.ID, "url", j.WebhookURL)
			return
		} else if attempt == 2 {
			n.logger.Warn("webhook delivery failed",
				"job_id", j.ID,
				"url", j.WebhookURL,
				"error", err,
			)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(n.retryDelay):
		}
	}
}

func (n *webhookNotifier) deliver(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
