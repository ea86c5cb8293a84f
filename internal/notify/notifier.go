// Package notify delivers synchronization notifications to dealer webhook
// endpoints. Each delivery gets its own timeout so one slow dealer cannot
// stall the rest of the fan-out.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/dealgate/dealer-sync-server/internal/dealers"
	"github.com/dealgate/dealer-sync-server/internal/logger"
)

const (
	defaultRetryMax     = 2
	defaultRetryWaitMin = 500 * time.Millisecond
	defaultRetryWaitMax = 5 * time.Second
)

// Notification is the payload delivered to each dealer during a run.
type Notification struct {
	RunID         uuid.UUID `json:"runId"`
	ProcessType   string    `json:"processType"`
	LoadID        string    `json:"loadId"`
	LoadTimestamp time.Time `json:"loadTimestamp"`
}

// Notifier delivers one notification to one dealer.
type Notifier interface {
	Notify(ctx context.Context, dealer dealers.Dealer, notification Notification) error
}

// webhookNotifier posts JSON notifications over HTTP with transient-failure
// retries handled by retryablehttp.
type webhookNotifier struct {
	client  *retryablehttp.Client
	timeout time.Duration
}

var _ Notifier = (*webhookNotifier)(nil)

// NotifierOption is a functional option for configuring the notifier
type NotifierOption func(*webhookNotifier)

// WithTimeout sets the per-delivery timeout, covering all retry attempts
// for a single dealer.
func WithTimeout(timeout time.Duration) NotifierOption {
	return func(n *webhookNotifier) {
		if timeout > 0 {
			n.timeout = timeout
		}
	}
}

// WithRetryMax caps the number of retry attempts per delivery.
func WithRetryMax(retries int) NotifierOption {
	return func(n *webhookNotifier) {
		if retries >= 0 {
			n.client.RetryMax = retries
		}
	}
}

// NewWebhookNotifier creates a webhook notifier with sensible retry defaults.
func NewWebhookNotifier(opts ...NotifierOption) Notifier {
	client := retryablehttp.NewClient()
	client.RetryMax = defaultRetryMax
	client.RetryWaitMin = defaultRetryWaitMin
	client.RetryWaitMax = defaultRetryWaitMax
	client.Logger = nil

	n := &webhookNotifier{
		client:  client,
		timeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *webhookNotifier) Notify(ctx context.Context, dealer dealers.Dealer, notification Notification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, dealer.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request for dealer %s: %w", dealer.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to notify dealer %s: %w", dealer.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("dealer %s rejected notification: status %d", dealer.Name, resp.StatusCode)
	}

	logger.Debugf("notified dealer %s for run %s", dealer.Name, notification.RunID)
	return nil
}
