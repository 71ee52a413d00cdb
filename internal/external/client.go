// Package external contains the adapters for third-party APIs used by the
// billing service. Outbound HTTP goes through BaseClient, which applies a
// circuit breaker, request correlation and error mapping uniformly.
package external

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"rentaltrack/internal/types"
)

// BreakerSettings tunes the circuit breaker wrapped around a BaseClient.
type BreakerSettings struct {
	Name                string
	ConsecutiveFailures uint32        // trips after more than this many failures in a row
	OpenTimeout         time.Duration // how long the breaker stays open
}

// DefaultBreakerSettings returns the settings used for provider clients.
func DefaultBreakerSettings(name string) BreakerSettings {
	return BreakerSettings{
		Name:                name,
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
	}
}

// errUpstreamStatus marks a 429 or 5xx response as a breaker failure.
var errUpstreamStatus = errors.New("upstream returned an error status")

// BaseClient wraps an *http.Client and a circuit breaker. Provider clients
// embed it to inherit consistent failure handling. Requests are sent exactly
// once; retrying is left to the caller.
type BaseClient struct {
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	userAgent string
}

// NewBaseClient creates a BaseClient.
func NewBaseClient(httpClient *http.Client, breaker BreakerSettings, userAgent string) *BaseClient {
	threshold := breaker.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        breaker.Name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > threshold
		},
	})

	return &BaseClient{
		client:    httpClient,
		breaker:   cb,
		userAgent: userAgent,
	}
}

// BreakerState reports the current circuit breaker state.
func (c *BaseClient) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// Do executes req through the circuit breaker.
//
// 429 and 5xx responses count as breaker failures but are still returned to
// the caller, which closes the body and decodes the upstream error from it.
// When the request never produced a response or the breaker is open, Do
// returns a *types.AppError with an upstream_* code.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if requestID := types.GetRequestID(req.Context()); requestID != "" {
		req.Header.Set("X-Request-Id", requestID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		r, doErr := c.client.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			return r, fmt.Errorf("%w: %d", errUpstreamStatus, r.StatusCode)
		}
		return r, nil
	})
	if resp != nil && errors.Is(err, errUpstreamStatus) {
		return resp, nil
	}
	if err != nil {
		return nil, c.mapError(err)
	}
	return resp, nil
}

// mapError translates transport-level failures into AppErrors.
func (c *BaseClient) mapError(err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			"circuit breaker is open; upstream service unavailable",
			err,
		)
	}
	return types.NewAppError(types.ErrCodeUpstreamUnavailable, "upstream request failed", err)
}
