package alert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	requestTimeout = 5 * time.Second
	maxAttempts    = 3
)

var (
	httpClient = &http.Client{Timeout: requestTimeout}
	backoff    = func(attempt int) time.Duration { return time.Duration(attempt) * time.Second }
)

// errRejected marks a 4xx answer; the receiver will not change its mind.
var errRejected = errors.New("webhook rejected")

// Send posts event to cfg.URL. Transport errors and 5xx answers are retried
// with linear backoff; ctx cancels both the request and the wait.
func Send(ctx context.Context, cfg Config, event Event) error {
	body, err := FormatPayload(cfg.Format, event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			t := time.NewTimer(backoff(attempt - 1))
			select {
			case <-ctx.Done():
				t.Stop()
				return fmt.Errorf("webhook abandoned after %d attempts: %w", attempt-1, ctx.Err())
			case <-t.C:
			}
		}

		lastErr = post(ctx, cfg, event, body, attempt)
		if lastErr == nil || errors.Is(lastErr, errRejected) {
			return lastErr
		}
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", maxAttempts, lastErr)
}

func post(ctx context.Context, cfg Config, event Event, body []byte, attempt int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: bad request: %v", errRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "kalpana-core")
	if event.Seq > 0 {
		req.Header.Set("X-Kalpana-Audit-Seq", strconv.FormatUint(event.Seq, 10))
	}
	req.Header.Set("X-Kalpana-Attempt", strconv.Itoa(attempt))
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: HTTP %d", errRejected, resp.StatusCode)
	default:
		return fmt.Errorf("webhook server error: HTTP %d", resp.StatusCode)
	}
}
