package catalogue

import (
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TransportConfig tunes the default catalogue transport.
type TransportConfig struct {
	// Client is the underlying HTTP client. Defaults to a 30 s timeout.
	Client *http.Client

	// RequestsPerSecond and Burst feed the rate limiter.
	RequestsPerSecond float64
	Burst             int

	// MaxAttempts bounds retries of one request. Defaults to 4.
	MaxAttempts int

	// RetryBase is the first retry pause, doubled per attempt. Defaults
	// to 1 s.
	RetryBase time.Duration

	Logger *zap.Logger
}

// Transport is a Doer that rate-limits, retries transient failures and
// trips a circuit breaker when the catalogue keeps failing. A tripped
// breaker fails requests immediately until the cool-down passes, so a
// flapping catalogue does not absorb the whole retry budget of every job.
type Transport struct {
	client      *http.Client
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	maxAttempts int
	retryBase   time.Duration
	log         *zap.Logger
}

// NewTransport builds the default transport.
func NewTransport(cfg TransportConfig) *Transport {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "catalogue",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Transport{
		client:      cfg.Client,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		breaker:     breaker,
		maxAttempts: cfg.MaxAttempts,
		retryBase:   cfg.RetryBase,
		log:         cfg.Logger,
	}
}

// Do implements Doer.
func (t *Transport) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	var lastErr error

	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		result, err := t.breaker.Execute(func() (any, error) {
			resp, err := t.client.Do(req)
			if err != nil {
				return nil, err
			}
			if retryableStatus(resp.StatusCode) {
				resp.Body.Close()
				return nil, fmt.Errorf("catalogue returned %d", resp.StatusCode)
			}
			return resp, nil
		})
		if err == nil {
			return result.(*http.Response), nil
		}
		lastErr = err

		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			// The breaker is open; waiting out the retry schedule here
			// would just hammer it again.
			return nil, err
		}
		if attempt < t.maxAttempts {
			delay := t.retryBase << uint(attempt-1)
			t.log.Warn("catalogue request failed, retrying",
				zap.String("url", req.URL.String()),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return nil, lastErr
}

// retryableStatus treats throttling and server errors as transient. 4xx
// other than 429 are the client's own fault and never retried.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
