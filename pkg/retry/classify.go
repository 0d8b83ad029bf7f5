// Package retry decides whether a failed handler execution is worth
// retrying and how aggressively.
//
// The verdict (retryable or fatal) comes from the error itself; the backoff
// shape comes from defaults that a handler's retry override may replace.
// A handler override never turns a fatal error into a retryable one.
package retry

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Error types recorded on events.
const (
	TypeNetwork            = "network"
	TypeTimeout            = "timeout"
	TypeCanceled           = "canceled"
	TypeServer             = "http_5xx"
	TypeRateLimited        = "rate_limited"
	TypeClient             = "http_4xx"
	TypeValidation         = "validation"
	TypePermanent          = "permanent"
	TypePanic              = "panic"
	TypeUnknown            = "unknown"
	TypeMaxRetriesExceeded = "max_retries_exceeded"
)

const (
	DefaultMaxRetries        = 3
	DefaultBackoff           = 1 * time.Second
	DefaultBackoffMultiplier = 2.0

	// MaxDelay caps the computed backoff for one retry.
	MaxDelay = 1 * time.Hour

	rateLimitedBackoff = 5 * time.Second
)

// Decision is the classifier's verdict on one error.
type Decision struct {
	Retryable         bool
	MaxRetries        int
	Backoff           time.Duration
	BackoffMultiplier float64
	ErrorType         string
	Reason            string
}

// Override replaces the backoff shape of a Decision for one handler.
// Zero fields keep the classifier's value.
type Override struct {
	MaxRetries        int
	Backoff           time.Duration
	BackoffMultiplier float64
}

// Classifier maps an error to a Decision.
type Classifier func(error) Decision

// retryable is implemented by integration errors that know their own verdict.
type retryable interface {
	Retryable() bool
}

// Classify determines how a handler error should be treated.
func Classify(err error) Decision {
	if err == nil {
		return Decision{Reason: "no error"}
	}

	var permErr *PermanentError
	if errors.As(err, &permErr) {
		return fatal(TypePermanent, err)
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return fatal(TypeValidation, err)
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return classifyHTTP(httpErr, err)
	}

	var tagged retryable
	if errors.As(err, &tagged) {
		if tagged.Retryable() {
			return retry(TypeUnknown, err)
		}
		return fatal(TypePermanent, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return retry(TypeTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return retry(TypeCanceled, err)
	}

	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		return retry(TypePanic, err)
	}

	if isNetwork(err) {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return retry(TypeTimeout, err)
		}
		return retry(TypeNetwork, err)
	}

	// unknown errors are retried so work is never silently dropped
	return retry(TypeUnknown, err)
}

func classifyHTTP(httpErr *HTTPError, err error) Decision {
	switch {
	case httpErr.StatusCode == http.StatusTooManyRequests:
		d := retry(TypeRateLimited, err)
		d.Backoff = rateLimitedBackoff
		if httpErr.RetryAfter > d.Backoff {
			d.Backoff = httpErr.RetryAfter
		}
		return d
	case httpErr.StatusCode == http.StatusRequestTimeout:
		return retry(TypeTimeout, err)
	case httpErr.StatusCode >= 500:
		return retry(TypeServer, err)
	case httpErr.StatusCode >= 400:
		return fatal(TypeClient, err)
	default:
		return retry(TypeUnknown, err)
	}
}

func isNetwork(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}

func retry(errorType string, err error) Decision {
	return Decision{
		Retryable:         true,
		MaxRetries:        DefaultMaxRetries,
		Backoff:           DefaultBackoff,
		BackoffMultiplier: DefaultBackoffMultiplier,
		ErrorType:         errorType,
		Reason:            err.Error(),
	}
}

func fatal(errorType string, err error) Decision {
	return Decision{
		Retryable: false,
		ErrorType: errorType,
		Reason:    err.Error(),
	}
}

// WithOverride applies a handler's retry override to the backoff shape.
// The retryable verdict is left as classified.
func (d Decision) WithOverride(o *Override) Decision {
	if o == nil || !d.Retryable {
		return d
	}
	if o.MaxRetries > 0 {
		d.MaxRetries = o.MaxRetries
	}
	if o.Backoff > 0 {
		d.Backoff = o.Backoff
	}
	if o.BackoffMultiplier > 0 {
		d.BackoffMultiplier = o.BackoffMultiplier
	}
	return d
}

// Delay returns how long an event should wait before its next attempt.
// retryCount is the post-increment count, so the first retry waits Backoff.
func (d Decision) Delay(retryCount int) time.Duration {
	if !d.Retryable || d.Backoff <= 0 {
		return 0
	}
	if retryCount < 1 {
		retryCount = 1
	}
	mult := d.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(d.Backoff) * math.Pow(mult, float64(retryCount-1))
	if delay > float64(MaxDelay) || math.IsInf(delay, 0) {
		return MaxDelay
	}
	return time.Duration(delay)
}
