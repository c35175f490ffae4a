// Package classify decides whether a sandbox-invocation I/O error is
// worth a single local retry, or is permanent and should be surfaced as
// an InternalError straight away. It never touches scheduler state — the
// scheduler's own skip cascade is the only mechanism that propagates a
// failure to dependents.
package classify

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// ErrorType is the outcome of classifying an error.
type ErrorType int

const (
	// ErrorTypeUnknown means the error could not be classified; treated
	// like ErrorTypePermanent by IsRetryable.
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeTransient means the same invocation might succeed if tried
	// again right away.
	ErrorTypeTransient
	// ErrorTypePermanent means retrying would not help.
	ErrorTypePermanent
)

func (e ErrorType) String() string {
	switch e {
	case ErrorTypeTransient:
		return "Transient"
	case ErrorTypePermanent:
		return "Permanent"
	default:
		return "Unknown"
	}
}

// ClassifyError inspects a sandbox or store I/O error and decides whether
// it is worth retrying once.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypePermanent
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTransient
	}
	if errors.Is(err, context.Canceled) {
		return ErrorTypePermanent
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorTypeTransient
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EAGAIN, syscall.EINTR:
			return ErrorTypeTransient
		default:
			return ErrorTypePermanent
		}
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return ErrorTypeTransient
		}
	}
	for _, pattern := range permanentPatterns {
		if strings.Contains(msg, pattern) {
			return ErrorTypePermanent
		}
	}
	return ErrorTypeUnknown
}

var transientPatterns = []string{
	"timeout",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"temporary failure",
	"resource temporarily unavailable",
	"too many open files",
}

var permanentPatterns = []string{
	"no such file",
	"permission denied",
	"invalid argument",
	"is a directory",
	"not a directory",
	"exec format error",
}

// IsRetryable reports whether err is worth one immediate retry of the
// same sandbox invocation.
func IsRetryable(err error) bool {
	return ClassifyError(err) == ErrorTypeTransient
}
