package ratelimitapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/largetownsky/ratesched/pkg/ratelimit"
)

// webhookCallback is what a reservation's webhook must answer with once
// the coordinator dispatches it: the job's result, or an adjustment
// retroactively amending the charged usage/time, or an error.
type webhookCallback struct {
	Result     any                `json:"result,omitempty"`
	Error      string             `json:"error,omitempty"`
	Adjustment *webhookAdjustment `json:"adjustment,omitempty"`
}

type webhookAdjustment struct {
	Time  float64 `json:"time"`
	Usage []int64 `json:"usage"`
}

type webhookPayload struct {
	CorrelationID string  `json:"correlation_id"`
	Usage         []int64 `json:"usage"`
}

// newWebhookJob builds a ratelimit.Job that, once admitted, POSTs the
// reservation's usage vector to webhookURL and blocks for the client's
// synchronous response — the out-of-process equivalent of a Job running
// in-process, per spec's "submit jobs as HTTP callbacks".
func newWebhookJob(client *http.Client, webhookURL, correlationID string, usage []int64) ratelimit.Job {
	return func(ctx context.Context) (*ratelimit.Adjustment, any, error) {
		body, err := json.Marshal(webhookPayload{CorrelationID: correlationID, Usage: usage})
		if err != nil {
			return nil, nil, fmt.Errorf("ratelimitapi: encoding webhook payload: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
		if err != nil {
			return nil, nil, fmt.Errorf("ratelimitapi: building webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(correlationIDHeader, correlationID)

		resp, err := client.Do(req)
		if err != nil {
			return nil, nil, fmt.Errorf("ratelimitapi: webhook call failed: %w", err)
		}
		defer resp.Body.Close()

		var cb webhookCallback
		if err := json.NewDecoder(resp.Body).Decode(&cb); err != nil {
			return nil, nil, fmt.Errorf("ratelimitapi: decoding webhook response: %w", err)
		}

		if resp.StatusCode >= 300 || cb.Error != "" {
			msg := cb.Error
			if msg == "" {
				msg = fmt.Sprintf("webhook returned status %d", resp.StatusCode)
			}
			return nil, nil, fmt.Errorf("ratelimitapi: webhook reported failure: %s", msg)
		}

		var adj *ratelimit.Adjustment
		if cb.Adjustment != nil {
			adj = &ratelimit.Adjustment{Time: cb.Adjustment.Time, Usage: cb.Adjustment.Usage}
		}
		return adj, cb.Result, nil
	}
}
