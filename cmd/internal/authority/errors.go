package authority

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure by how a caller is expected to react.
type Kind uint8

const (
	// KindUnknown is returned by KindOf for nil or unclassified errors.
	KindUnknown Kind = iota
	// KindTransient covers network failures, timeouts and 5xx; retrying is safe.
	KindTransient
	// KindConflict is the authority reporting a token already issued (409).
	KindConflict
	// KindValidation is a rejected input; retrying unchanged will fail again.
	KindValidation
	// KindTerminal has no retry path (not found, unauthorized, unrecognized response).
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidInput is returned before any network call when arguments are unusable.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnrecognizedShape is returned when a response body does not match the wire schema.
	ErrUnrecognizedShape = errors.New("unrecognized response shape")
)

// Error is the structured failure returned by every Client method.
type Error struct {
	Op      string
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("authority %s: %s (%d %s): %s", e.Op, e.Kind, e.Status, http.StatusText(e.Status), msg)
	}
	return fmt.Sprintf("authority %s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from any error chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTransient
	case errors.Is(err, ErrInvalidInput):
		return KindValidation
	case errors.Is(err, ErrUnrecognizedShape):
		return KindTerminal
	}
	return KindUnknown
}

// IsRetryable reports whether err may succeed on an identical retry.
func IsRetryable(err error) bool { return KindOf(err) == KindTransient }

// IsConflict reports whether err is the authority's "already issued" signal.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Status
	}
	return 0
}

// MessageOf returns a human-readable message suitable for display.
func MessageOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Message != "" {
		return ae.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return KindTransient
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return KindValidation
	default:
		return KindTerminal
	}
}

// defaultStatusMessage mirrors the fallback texts a UI shows when the body carries none.
func defaultStatusMessage(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid request; check the submitted data"
	case http.StatusUnauthorized:
		return "not authorized; check your credentials"
	case http.StatusForbidden:
		return "access denied"
	case http.StatusNotFound:
		return "resource not found"
	case http.StatusConflict:
		return "conflict; this operation cannot be performed"
	case http.StatusInternalServerError:
		return "internal server error; try again later"
	default:
		if t := http.StatusText(status); t != "" {
			return t
		}
		return "unexpected response"
	}
}
