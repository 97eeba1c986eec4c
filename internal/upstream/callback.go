package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/toolbridge/backend/internal/metrics"
)

const callbackAttempts = 3

// DeliverCallback POSTs a tool result to the upstream callback sink.
//
// Up to three attempts with 300·attempt plus 0-200ms of jitter between them.
// A 400 triggers, once, an immediate retry with the payload wrapped as
// {"result": payload} for upstreams that expect the enveloped shape; any
// later 400 is final. Statuses below 500 are final, 500 and above retry.
func (c *Client) DeliverCallback(ctx context.Context, callbackID string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("upstream: callback payload: %w", err)
	}

	wrapped := false
	var lastErr error
	for attempt := 1; attempt <= callbackAttempts; attempt++ {
		status, err := c.postCallback(ctx, callbackID, body)
		if err != nil {
			lastErr = err
			metrics.CallbackAttempts.WithLabelValues("network").Inc()
		} else {
			metrics.CallbackAttempts.WithLabelValues(strconv.Itoa(status / 100 * 100)).Inc()
			switch {
			case status < 300:
				return nil
			case status == http.StatusBadRequest && !wrapped:
				wrapped = true
				body, _ = json.Marshal(map[string]interface{}{"result": payload})
				lastErr = fmt.Errorf("upstream: callback %s: status 400", callbackID)
				continue // immediate retry, no backoff
			case status < 500:
				return fmt.Errorf("upstream: callback %s: status %d", callbackID, status)
			default:
				lastErr = fmt.Errorf("upstream: callback %s: status %d", callbackID, status)
			}
		}

		if attempt == callbackAttempts {
			break
		}
		backoff := time.Duration(300*attempt)*time.Millisecond +
			time.Duration(rand.Intn(200))*time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

func (c *Client) postCallback(ctx context.Context, callbackID string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/callbacks/"+callbackID, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.decorate(req); err != nil {
		return 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("upstream: callback post: %w", err)
	}
	drainClose(resp.Body)
	return resp.StatusCode, nil
}
