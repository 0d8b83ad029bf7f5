package retry

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// HTTPError represents a non-2xx response from an external integration.
type HTTPError struct {
	StatusCode int
	Message    string
	Endpoint   string

	// RetryAfter is the server-provided delay hint, if any.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("HTTP %d at %s: %s", e.StatusCode, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// NewHTTPError builds an HTTPError from a response, reading Retry-After when present.
func NewHTTPError(resp *http.Response, message string) *HTTPError {
	err := &HTTPError{
		StatusCode: resp.StatusCode,
		Message:    message,
	}
	if resp.Request != nil && resp.Request.URL != nil {
		err.Endpoint = resp.Request.URL.Host + resp.Request.URL.Path
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, convErr := strconv.Atoi(ra); convErr == nil && secs > 0 {
			err.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return err
}

// PermanentError marks an error that will never succeed on retry.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the classifier treats it as fatal.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// ValidationError indicates the event payload cannot be handled as given.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return "validation failed: " + e.Message
}

// PanicError carries a value recovered from a panicking handler.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}
