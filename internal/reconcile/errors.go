package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrInFlight is returned when a batch is already running
	ErrInFlight = errors.New("reconciliation already in flight")
	// ErrTransient marks failures worth retrying
	ErrTransient = errors.New("transient i/o error")
	// ErrPermanent marks failures that retrying cannot fix
	ErrPermanent = errors.New("permanent i/o error")
	// ErrMalformedResponse is returned when the store answers with data
	// that does not match the expected schema
	ErrMalformedResponse = errors.New("malformed response")
)

// Class is the retry eligibility of an error
type Class int

const (
	ClassNone Class = iota
	ClassTransient
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "none"
	}
}

// StatusError carries the HTTP status of a failed store request
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("status %d", e.StatusCode)
	}
	return fmt.Sprintf("status %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Classify decides whether err is transient (timeout, network failure,
// 5xx, 429) or permanent (other 4xx, malformed response, anything else).
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, ErrTransient) {
		return ClassTransient
	}
	if errors.Is(err, ErrPermanent) || errors.Is(err, ErrMalformedResponse) {
		return ClassPermanent
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == 0 && statusErr.Err != nil {
			// no response received; look at the transport error
			return Classify(statusErr.Err)
		}
		return classifyStatus(statusErr.StatusCode)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	return ClassPermanent
}

func classifyStatus(code int) Class {
	switch {
	case code == http.StatusTooManyRequests:
		return ClassTransient
	case code >= 500:
		return ClassTransient
	case code >= 400:
		return ClassPermanent
	}
	return ClassPermanent
}
