// Package upstream holds the HTTP plumbing shared by the bot's outbound
// clients: status errors, bounded body reads and retry with backoff.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Transient reports whether repeating the request could succeed.
func (e *HTTPStatusError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Policy bounds how often and how fast a request is retried.
type Policy struct {
	Attempts        int
	InitialInterval time.Duration
}

// DefaultPolicy is three attempts starting 200ms apart.
var DefaultPolicy = Policy{Attempts: 3, InitialInterval: 200 * time.Millisecond}

// unretryable marks an error Retry must give up on.
type unretryable struct{ error }

func (u unretryable) Unwrap() error { return u.error }

// Retry runs op until it succeeds, fails permanently or the policy is spent.
// Non-transient status errors and context errors are not retried.
func Retry(ctx context.Context, p Policy, op func() error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.Attempts-1)), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		var final unretryable
		if errors.As(err, &final) {
			return backoff.Permanent(final.error)
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		var se *HTTPStatusError
		if errors.As(err, &se) && !se.Transient() {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// Do sends req and returns the response body. Non-2xx responses become an
// *HTTPStatusError.
func Do(client *http.Client, req *http.Request) ([]byte, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        req.URL.Redacted(),
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

// DoOnce is Do for requests that must not reach the server twice, such as
// posting a message. Under Retry only 429 responses and transport failures
// before the request was written are repeated.
func DoOnce(client *http.Client, req *http.Request) ([]byte, error) {
	var wrote atomic.Bool
	trace := &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				wrote.Store(true)
			}
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	buf, err := Do(client, req)
	if err == nil {
		return buf, nil
	}
	var se *HTTPStatusError
	if errors.As(err, &se) {
		if se.StatusCode == http.StatusTooManyRequests {
			return nil, err
		}
		return nil, unretryable{err}
	}
	if wrote.Load() {
		return nil, unretryable{err}
	}
	return nil, err
}

// StatusCode returns the upstream status carried by err, or 0.
func StatusCode(err error) int {
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
