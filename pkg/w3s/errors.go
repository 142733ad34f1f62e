package w3s

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"

	"github.com/tcfw/w3s/pkg/car"
	"github.com/tcfw/w3s/pkg/chunker"
)

var (
	ErrBadRequest   = errors.New("bad request")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrServerError  = errors.New("server error")

	ErrCIDMismatch = errors.New("service cid does not match dag root")
)

type (
	// IOError reports an unreadable source stream.
	IOError = chunker.IOError
	// EncodingError reports a DAG or CAR invariant violation.
	EncodingError = car.EncodingError
)

// SizeLimitError is returned when a payload exceeds a service or client
// ceiling. Size is -1 when the payload size was not known up front and
// Limit is 0 when the ceiling was reported by the service.
type SizeLimitError struct {
	Size  int64
	Limit int64
	Err   error
}

func (e *SizeLimitError) Error() string {
	switch {
	case e.Limit == 0 && e.Err != nil:
		return fmt.Sprintf("payload too large: %v", e.Err)
	case e.Size < 0:
		return fmt.Sprintf("payload exceeds limit of %d bytes", e.Limit)
	default:
		return fmt.Sprintf("payload of %d bytes exceeds limit of %d bytes", e.Size, e.Limit)
	}
}

func (e *SizeLimitError) Unwrap() error {
	return e.Err
}

// TransportError is a failed exchange with the service. StatusCode is 0
// when no response was received.
type TransportError struct {
	Method     string
	Path       string
	StatusCode int

	// Name and Message are taken from the service's error body.
	Name    string
	Message string

	Err error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
	}

	msg := fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Name != "" {
		msg += ": " + e.Name
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}

	return msg
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is matches the status class sentinels.
func (e *TransportError) Is(target error) bool {
	switch target {
	case ErrBadRequest:
		return e.StatusCode == http.StatusBadRequest
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrForbidden:
		return e.StatusCode == http.StatusForbidden
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrServerError:
		return e.StatusCode >= 500 && e.StatusCode < 600
	}

	return false
}

// classify turns a service 413 into a SizeLimitError.
func classify(err error, size int64) error {
	var te *TransportError
	if errors.As(err, &te) && te.StatusCode == http.StatusRequestEntityTooLarge {
		return &SizeLimitError{Size: size, Err: err}
	}

	return err
}
