package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/discord-voice-companion/internal/logging"
)

// StatusError is a non-2xx response that survived every retry.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Status)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// Backoff is the delay before retry i (0-based).
var Backoff = func(i int) time.Duration { return time.Duration(200*(1<<i)) * time.Millisecond }

// DoWithRetries sends the request built by newReq up to attempts times,
// retrying transport errors and 5xx responses. A 2xx response is returned
// with its body open; any other final status becomes a *StatusError.
func DoWithRetries(ctx context.Context, client *http.Client, attempts int, newReq func(context.Context) (*http.Request, error)) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(Backoff(i - 1)):
			}
		}
		req, err := newReq(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			logging.Debugw("http: attempt failed", "url", req.URL.Redacted(), "attempt", i+1, "err", err)
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		lastErr = &StatusError{Status: resp.StatusCode, Body: string(body)}
		if resp.StatusCode < 500 {
			return nil, lastErr
		}
		logging.Debugw("http: server error", "url", req.URL.Redacted(), "attempt", i+1, "status", resp.StatusCode)
	}
	return nil, lastErr
}
