// Package registry pushes lifecycle milestones to an external carbon
// registry. Notification is best-effort: the ledger commit has already
// happened by the time a notifier runs, so failures are logged and retried
// but never unwind a transition.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Asusman01/Carbon-Credit-Dapp/internal/credits"
)

// Event is the payload delivered to the registry for each milestone.
type Event struct {
	CreditID      string        `json:"credit_id"`
	State         credits.State `json:"state"`
	TransactionID string        `json:"transaction_id,omitempty"`
	Hash          string        `json:"hash,omitempty"`
	OccurredAt    time.Time     `json:"occurred_at"`
}

// Notifier delivers lifecycle events to the registry of record.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NopNotifier discards events. Used when no registry endpoint is configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) error { return nil }

// HTTPNotifier posts events as JSON with bounded retries.
type HTTPNotifier struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
	retries  int
	backoff  time.Duration
}

// NewHTTPNotifier creates a notifier posting to the given endpoint.
func NewHTTPNotifier(endpoint string, logger *slog.Logger) *HTTPNotifier {
	return &HTTPNotifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
		retries:  3,
		backoff:  200 * time.Millisecond,
	}
}

// Notify posts the event, retrying transient failures with exponential
// backoff. The last error is returned when all attempts fail.
func (n *HTTPNotifier) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal registry event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= n.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.backoff << (attempt - 1)):
			}
		}

		lastErr = n.post(ctx, body)
		if lastErr == nil {
			return nil
		}
		n.logger.Warn("registry notification failed",
			"credit_id", event.CreditID,
			"attempt", attempt+1,
			"error", lastErr,
		)
	}
	return fmt.Errorf("notify registry for credit %s: %w", event.CreditID, lastErr)
}

func (n *HTTPNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("registry returned status %d", resp.StatusCode)
	}
	return nil
}
