// Package civitai provides an HTTP client for the Civitai REST API with
// automatic retry, rate-limit awareness, and error classification.
package civitai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrorClass buckets every failure the transport can produce. The retry
// policy, the task store, and the recovery supervisor all key off it.
type ErrorClass string

const (
	ClassNetwork   ErrorClass = "network"
	ClassTimeout   ErrorClass = "timeout"
	ClassServer    ErrorClass = "server_5xx"
	ClassRateLimit ErrorClass = "rate_limit_429"
	ClassClient    ErrorClass = "client_4xx"
	ClassIntegrity ErrorClass = "integrity"
	ClassUnknown   ErrorClass = "unknown"
)

// MaxIntegrityAttempts is how many re-downloads a digest mismatch earns
// before the task is quarantined.
const MaxIntegrityAttempts = 3

// Retryable reports whether a class is eligible for another attempt at all.
// Integrity retries are bounded separately (MaxIntegrityAttempts).
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassClient:
		return false
	case ClassNetwork, ClassTimeout, ClassServer, ClassRateLimit, ClassIntegrity, ClassUnknown:
		return true
	default:
		return false
	}
}

// Backoff schedules per class, in seconds. Attempts beyond the schedule
// reuse the last entry.
var backoffSchedules = map[ErrorClass][]time.Duration{
	ClassNetwork:   {2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second},
	ClassTimeout:   {5 * time.Second, 15 * time.Second, 30 * time.Second, 60 * time.Second},
	ClassServer:    {1 * time.Second, 3 * time.Second, 5 * time.Second, 10 * time.Second},
	ClassRateLimit: {60 * time.Second, 120 * time.Second, 300 * time.Second, 600 * time.Second},
	ClassUnknown:   {1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second},
	ClassIntegrity: {0, 0, 0},
}

// Backoff returns the wait before the given retry attempt (0-based) for a
// class. Rate-limited responses carrying a Retry-After header bypass this
// via APIError.RetryAfter.
func Backoff(class ErrorClass, attempt int) time.Duration {
	schedule, ok := backoffSchedules[class]
	if !ok || len(schedule) == 0 {
		return time.Second
	}

	if attempt >= len(schedule) {
		attempt = len(schedule) - 1
	}

	return schedule[attempt]
}

// ErrIntegrity is the sentinel for digest mismatches, raised by the
// download engine rather than the transport.
var ErrIntegrity = errors.New("civitai: content digest mismatch")

// APIError is a classified HTTP-level failure from the Civitai API or a
// file host. RetryAfter is non-zero only for 429 responses that declared
// one.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
	RetryAfter time.Duration
	Class      ErrorClass
}

func (e *APIError) Error() string {
	return fmt.Sprintf("civitai: HTTP %d on %s: %s", e.StatusCode, e.Endpoint, e.Message)
}

// classifyStatus maps an HTTP status code to an error class. 2xx returns
// empty.
func classifyStatus(code int) ErrorClass {
	switch {
	case code == http.StatusTooManyRequests:
		return ClassRateLimit
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return ClassTimeout
	case code >= http.StatusInternalServerError:
		return ClassServer
	case code >= http.StatusBadRequest:
		return ClassClient
	default:
		return ""
	}
}

// Classify buckets any error from the transport or download path.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}

	if errors.Is(err, ErrIntegrity) {
		return ClassIntegrity
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}

		return ClassNetwork
	}

	// Canceled contexts are not a failure class; the caller handles them.
	if errors.Is(err, context.Canceled) {
		return ClassUnknown
	}

	return ClassUnknown
}
