package ephor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type Kind string

const (
	KindTransientNetwork Kind = "transient_network"
	KindRateLimited      Kind = "rate_limited"
	KindProtocolMismatch Kind = "protocol_mismatch"
	KindCancelled        Kind = "cancelled"
	KindBackendRejected  Kind = "backend_rejected"
	KindTimeout          Kind = "timeout"
)

// Error is the classified failure of a backend operation.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match on kind alone, e.g. errors.Is(err, &Error{Kind: KindTimeout}).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind && other.Op == "" && other.StatusCode == 0
}

func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Protocol(op, format string, args ...any) *Error {
	return &Error{Kind: KindProtocolMismatch, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Cancelled(op string, err error) *Error {
	return &Error{Kind: KindCancelled, Op: op, Err: err}
}

// HTTPStatus builds the error for a non-2xx response.
func HTTPStatus(op string, status int, message string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       kindForStatus(status),
		Op:         op,
		StatusCode: status,
		RetryAfter: retryAfter,
		Message:    strings.TrimSpace(message),
	}
}

func kindForStatus(status int) Kind {
	switch status {
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return KindTransientNetwork
	default:
		return KindBackendRejected
	}
}

// KindOf classifies any error. Unrecognised errors report an empty kind and
// are treated as fatal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindTransientNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransientNetwork
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return KindTransientNetwork
	}
	return ""
}

func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTransientNetwork, KindRateLimited, KindTimeout:
		return true
	default:
		return false
	}
}

func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

// RetryAfterOf returns the server's retry hint carried by err, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var typed *Error
	if errors.As(err, &typed) && typed.RetryAfter > 0 {
		return typed.RetryAfter, true
	}
	return 0, false
}

// maxRetryAfter bounds server retry hints before they become a Duration.
const maxRetryAfter = 24 * time.Hour

// ParseRetryAfter accepts delta-seconds or an HTTP date. Hints are capped at
// a day.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		if math.IsNaN(seconds) || seconds <= 0 {
			return 0
		}
		if seconds >= maxRetryAfter.Seconds() {
			return maxRetryAfter
		}
		return time.Duration(seconds * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := at.Sub(now); wait > 0 {
			return min(wait, maxRetryAfter)
		}
	}
	return 0
}
