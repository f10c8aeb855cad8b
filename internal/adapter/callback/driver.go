package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	domaintask "github.com/alanyang/delegate-broker/internal/domain/task"
	"github.com/alanyang/delegate-broker/internal/metrics"
)

// ErrUnknownDriver is returned for a driver id that is neither configured nor a URL.
var ErrUnknownDriver = errors.New("unknown callback driver")

// permanentError marks a response the receiver will never accept (4xx).
type permanentError struct{ status int }

func (e *permanentError) Error() string { return fmt.Sprintf("callback rejected with status %d", e.status) }

type Options struct {
	Endpoints      map[string]string
	Timeout        time.Duration
	Attempts       uint
	RatePerSecond  float64
	Burst          int
	BreakerTimeout time.Duration
}

// Driver posts async results as JSON to the endpoint registered for a driver id.
// Each endpoint gets its own circuit breaker; all share one rate limiter.
type Driver struct {
	client  *http.Client
	opts    Options
	limiter *rate.Limiter
	metrics *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func New(client *http.Client, opts Options, m *metrics.Metrics) *Driver {
	if client == nil {
		client = &http.Client{}
	}
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Driver{
		client:   client,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, burst),
		metrics:  m,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (d *Driver) Notify(ctx context.Context, driverID string, r domaintask.Result) error {
	endpoint, err := d.resolve(driverID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("callback rate limit: %w", err)
	}

	_, err = d.breaker(driverID).Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(d.opts.Attempts),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				var perm *permanentError
				return !errors.As(err, &perm)
			}),
			retry.DelayType(retry.BackOffDelay),
		)
		return nil, r.Do(func() error {
			return d.post(ctx, endpoint, body)
		})
	})
	if err != nil {
		return fmt.Errorf("notifying callback %s: %w", driverID, err)
	}
	return nil
}

func (d *Driver) post(ctx context.Context, endpoint string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &permanentError{}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return &permanentError{status: resp.StatusCode}
	default:
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
}

func (d *Driver) resolve(driverID string) (string, error) {
	if ep, ok := d.opts.Endpoints[driverID]; ok {
		return ep, nil
	}
	if strings.HasPrefix(driverID, "http://") || strings.HasPrefix(driverID, "https://") {
		return driverID, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDriver, driverID)
}

func (d *Driver) breaker(driverID string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[driverID]; ok {
		return cb
	}
	timeout := d.opts.BreakerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        driverID,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			if d.metrics != nil {
				d.metrics.CallbackBreaker.WithLabelValues(name).Set(float64(to))
			}
		},
	})
	d.breakers[driverID] = cb
	return cb
}
