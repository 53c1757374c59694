package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies upstream failures for logging and status reporting.
type ErrorKind int

const (
	ErrorServer     ErrorKind = iota // 5xx
	ErrorRateLimit                   // 429 or rate limit in body
	ErrorTimeout                     // deadline exceeded
	ErrorAuth                        // 401, 403
	ErrorBilling                     // 402 or quota in body
	ErrorBadRequest                  // 400
	ErrorNetwork                     // transport failure, no response
	ErrorEmpty                       // 2xx without usable content
	ErrorFatal                       // everything else
)

// String returns a short label for the kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorServer:
		return "server"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorTimeout:
		return "timeout"
	case ErrorAuth:
		return "auth"
	case ErrorBilling:
		return "billing"
	case ErrorBadRequest:
		return "bad_request"
	case ErrorNetwork:
		return "network"
	case ErrorEmpty:
		return "empty"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// UpstreamError is returned for every failed completion request.
type UpstreamError struct {
	Kind       ErrorKind
	StatusCode int // 0 when no response was received
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("completion API returned %d (%s): %s", e.StatusCode, e.Kind, truncate(e.Body, 200))
	case e.Err != nil:
		return fmt.Sprintf("completion request failed (%s): %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("completion request failed (%s)", e.Kind)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsUpstream reports whether err is an *UpstreamError.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// classifyStatus determines the error kind from status code and body.
func classifyStatus(statusCode int, body string) ErrorKind {
	bodyLower := strings.ToLower(body)

	if statusCode == 402 ||
		strings.Contains(bodyLower, "insufficient_quota") ||
		strings.Contains(bodyLower, "billing") {
		return ErrorBilling
	}

	if statusCode == 429 ||
		strings.Contains(bodyLower, "rate_limit") ||
		strings.Contains(bodyLower, "rate limit") {
		return ErrorRateLimit
	}

	switch statusCode {
	case 400:
		return ErrorBadRequest
	case 401, 403:
		return ErrorAuth
	case 408, 504:
		return ErrorTimeout
	}
	if statusCode >= 500 {
		return ErrorServer
	}
	return ErrorFatal
}

// transportError wraps a failure that produced no HTTP response.
func transportError(err error) *UpstreamError {
	kind := ErrorNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrorTimeout
	}
	return &UpstreamError{Kind: kind, Err: err}
}

// truncate shortens s to at most n bytes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
