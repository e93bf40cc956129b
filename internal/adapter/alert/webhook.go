package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/port"
)

var _ port.AlertGateway = (*WebhookGateway)(nil)

// WebhookGateway POSTs alerts as JSON. Delivery is retried a few times with
// exponential backoff; after that the error is returned to the caller, which
// only logs it.
type WebhookGateway struct {
	url      string
	client   *http.Client
	maxTries uint
	initial  time.Duration
}

func NewWebhookGateway(url string, timeout time.Duration) *WebhookGateway {
	return &WebhookGateway{
		url:      url,
		client:   &http.Client{Timeout: timeout},
		maxTries: 3,
		initial:  200 * time.Millisecond,
	}
}

func (g *WebhookGateway) Send(ctx context.Context, alert domain.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.initial
	bo.MaxInterval = 2 * time.Second

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := g.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return struct{}{}, fmt.Errorf("alert webhook status %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return struct{}{}, backoff.Permanent(fmt.Errorf("alert webhook rejected alert: status %d", resp.StatusCode))
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(g.maxTries),
	)
	return err
}
