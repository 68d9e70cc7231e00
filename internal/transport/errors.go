package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

type Op string

const (
	OpHealth   Op = "health"
	OpToken    Op = "token"
	OpDownload Op = "download"
	OpUpload   Op = "upload"
	OpBatch    Op = "batch_outcome"
	OpHints    Op = "hints"
)

// Error is a failed exchange with a peer. StatusCode is zero when no
// response arrived.
type Error struct {
	Op         Op
	StatusCode int
	Err        error
	Retryable  bool
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is worth trying again later. Anything that
// is not a transport Error is treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Retryable
	}
	return true
}

// IsUnauthorized reports whether the peer refused our credentials.
func IsUnauthorized(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.StatusCode == http.StatusUnauthorized
}

func networkError(op Op, err error) *Error {
	return &Error{Op: op, Err: err, Retryable: true}
}

func statusError(op Op, status int, msg string) *Error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &Error{
		Op:         op,
		StatusCode: status,
		Err:        errors.New(msg),
		Retryable:  status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
