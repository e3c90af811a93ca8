// Package forwarder builds the outbound request, strips hop-by-hop
// headers, calls the chosen replica under a per-attempt timeout,
// classifies the outcome against the circuit breaker, and retries
// 5xx/connect/timeout failures with exponential backoff and jitter. The
// shared http.Transport lives in transport.go; the retry loop is built
// around github.com/cenkalti/backoff/v4.
package forwarder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nexagate/apigw/internal/breaker"
	"github.com/nexagate/apigw/internal/registry"
)

var hopByHop = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

var ErrUpstreamTimeout = errors.New("upstream request timed out")

// Result is the response the Forwarder produced, win or lose.
type Result struct {
	Status       int
	Header       http.Header
	Body         []byte
	AttemptCount int
	LatencyMS    float64
}

type ErrBreakerOpen struct{ Key string }

func (e *ErrBreakerOpen) Error() string { return "circuit breaker open for " + e.Key }

// Forwarder issues upstream calls on behalf of the Request Pipeline.
type Forwarder struct {
	client   *http.Client
	breakers *breaker.Registry
}

func New(transport *http.Transport, breakers *breaker.Registry) *Forwarder {
	return &Forwarder{client: &http.Client{Transport: transport}, breakers: breakers}
}

func sanitizeHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for k, vs := range in {
		if _, skip := hopByHop[strings.ToLower(k)]; skip {
			continue
		}
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// newBackOff configures cenkalti/backoff/v4's exponential strategy to
// approximate min(10s, 1s*2^(attempt-1)) with ±25% jitter; the 100ms floor
// is enforced by the caller since the library has no lower bound option.
func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0 // the Forwarder bounds attempts itself, not elapsed time
	return b
}

func withFloor(d time.Duration) time.Duration {
	if d < 100*time.Millisecond {
		return 100 * time.Millisecond
	}
	return d
}

// Forward runs the 8-step algorithm against one (route, replica) pair:
// breaker admission, request build with header hygiene, per-attempt
// timeout, retryable-failure classification, backoff between retries, and
// breaker outcome recording. Only 5xx statuses and connect/timeout errors
// are retried and count as breaker failures; 2xx-4xx responses are
// returned immediately and recorded as breaker successes. A route with
// BreakerEnabled false never consults or mutates breaker state: every call
// is admitted and no (route, replica) instance is recorded.
func (f *Forwarder) Forward(ctx context.Context, route *registry.Route, rep *registry.Replica, r *http.Request, body []byte, traceID string) (*Result, error) {
	key := breaker.Key(route.ID, rep.BaseURL)
	cfg := breaker.Config{
		Threshold: route.BreakerThreshold,
		Window:    time.Duration(route.BreakerWindowMS) * time.Millisecond,
		Timeout:   time.Duration(route.BreakerTimeoutMS) * time.Millisecond,
	}
	if route.BreakerEnabled && !f.breakers.CanExecute(key, cfg) {
		return nil, &ErrBreakerOpen{Key: key}
	}

	bo := newBackOff()
	attempts := route.Retries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		res, retryable, err := f.attempt(ctx, route, rep, r, body, traceID)
		latency := time.Since(start)

		if err != nil {
			lastErr = err
			if route.BreakerEnabled {
				f.breakers.RecordFailure(key, cfg)
			}
		} else if res != nil {
			res.AttemptCount = attempt
			res.LatencyMS = float64(latency.Milliseconds())
			if !retryable {
				if route.BreakerEnabled {
					f.breakers.RecordSuccess(key)
				}
				return res, nil
			}
			if route.BreakerEnabled {
				f.breakers.RecordFailure(key, cfg)
			}
			lastErr = nil
			if attempt == attempts {
				return res, nil // exhausted retries on a 5xx: hand the last response upstream
			}
		}

		if attempt == attempts {
			break
		}
		wait := withFloor(bo.NextBackOff())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrUpstreamTimeout
}

func (f *Forwarder) attempt(ctx context.Context, route *registry.Route, rep *registry.Replica, r *http.Request, body []byte, traceID string) (*Result, bool, error) {
	timeout := time.Duration(route.RequestTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := rep.BaseURL + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(attemptCtx, r.Method, target, bodyReader)
	if err != nil {
		return nil, false, err
	}
	req.Header = sanitizeHeaders(r.Header)
	req.Header.Set("X-Forwarded-By", "apigw")
	req.Header.Set("X-Forwarded-At", time.Now().UTC().Format(time.RFC3339Nano))
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "apigw")
	}
	if traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			return nil, true, ErrUpstreamTimeout
		}
		return nil, true, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}

	result := &Result{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: respBody}
	return result, resp.StatusCode >= 500, nil
}
