package activity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.temporal.io/sdk/temporal"
)

// Notify contains activities for posting lifecycle notifications to an
// external webhook, typically a customer-facing notification service.
type Notify struct {
	client *http.Client
	url    string
}

// NewNotify creates a new Notify activity struct. An empty URL disables
// notifications.
func NewNotify(url string) *Notify {
	return &Notify{
		client: &http.Client{Timeout: 30 * time.Second},
		url:    url,
	}
}

// NotifyPayload is the JSON body of a lifecycle notification.
type NotifyPayload struct {
	Event      string `json:"event"`
	InstanceID string `json:"instance_id"`
	TenantID   string `json:"tenant_id"`
	Detail     string `json:"detail,omitempty"`
}

// SendNotification POSTs a lifecycle notification.
func (a *Notify) SendNotification(ctx context.Context, payload NotifyPayload) error {
	if a.url == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return temporal.NewNonRetryableApplicationError("build notification payload", "MARSHAL_ERROR", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return temporal.NewNonRetryableApplicationError("create notification request", "REQUEST_ERROR", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification POST to %s: %w", a.url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("notification returned %d", resp.StatusCode), "CLIENT_ERROR", nil)
	}
	return fmt.Errorf("notification returned %d", resp.StatusCode)
}
