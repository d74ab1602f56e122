package alert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	requestTimeout = 5 * time.Second
	sendAttempts   = 3
)

// retryBackoff is multiplied by the attempt number between retries.
var retryBackoff = 500 * time.Millisecond

var httpClient = &http.Client{Timeout: requestTimeout}

// errRejected marks a 4xx answer, which is never retried.
var errRejected = errors.New("webhook rejected")

// Send posts event to cfg.URL. Server errors and transport failures are
// retried; a 4xx fails immediately.
func Send(cfg AlertConfig, event AlertEvent) error {
	return SendContext(context.Background(), cfg, event)
}

// SendContext is Send bounded by ctx, including the waits between attempts.
func SendContext(ctx context.Context, cfg AlertConfig, event AlertEvent) error {
	body, err := FormatPayload(cfg.Format, event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(time.Duration(attempt-1) * retryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = post(ctx, cfg, body)
		if lastErr == nil || errors.Is(lastErr, errRejected) {
			return lastErr
		}
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", sendAttempts, lastErr)
}

func post(ctx context.Context, cfg AlertConfig, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", errRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "proctorguard-alert")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode < 500:
		return fmt.Errorf("%w: HTTP %d", errRejected, resp.StatusCode)
	default:
		return fmt.Errorf("webhook server error: HTTP %d", resp.StatusCode)
	}
}
