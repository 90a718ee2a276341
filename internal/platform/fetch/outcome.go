package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Outcome is the retry classification of a single upstream response.
type Outcome int

const (
	// Success is any 2xx, partial content included.
	Success Outcome = iota
	// Terminal is a client error the origin will repeat: 4xx except 429.
	Terminal
	// Retryable covers 429, 5xx and anything else unexpected.
	Retryable
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Terminal:
		return "terminal"
	default:
		return "retryable"
	}
}

// Classify maps a status code onto an Outcome.
func Classify(status int) Outcome {
	switch {
	case status >= 200 && status <= 299:
		return Success
	case status == http.StatusTooManyRequests:
		return Retryable
	case status >= 400 && status <= 499:
		return Terminal
	default:
		return Retryable
	}
}

// UpstreamError reports a failed upstream exchange. Status is zero when no response
// arrived at all (dial failure, reset, attempt timeout).
type UpstreamError struct {
	URL    string
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("upstream %s: %v", e.URL, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed.
func (e *UpstreamError) Retryable() bool {
	if e.Status != 0 {
		return Classify(e.Status) == Retryable
	}
	return !errors.Is(e.Err, context.Canceled) || errors.Is(e.Err, errAttemptTimeout)
}

var errAttemptTimeout = errors.New("attempt timed out before response headers")

// IsRetryable is the retry predicate: only UpstreamErrors that say so are retried.
func IsRetryable(err error) bool {
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		return false
	}
	return ue.Retryable()
}

// StatusOf returns the upstream status carried by err, or 0.
func StatusOf(err error) int {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Status
	}
	return 0
}

// IsBreakerSuccess is the circuit breaker's success predicate. The caller giving
// up says nothing about the upstream, so it does not count as a failure.
func IsBreakerSuccess(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
