package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPError is the transport-level error shape providers hand to the
// classifier: a status code plus the raw Retry-After header when present.
type HTTPError struct {
	StatusCode int
	RetryAfter string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return http.StatusText(e.StatusCode)
}

// Classify is the default per-provider classifier: HTTP 429/500/503/529
// and transport-level connection failures are retryable, auth-class 4xx
// and unknown error shapes are not.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	if he, ok := err.(*HTTPError); ok {
		return classifyHTTP(he)
	}
	// Wrapped HTTPError.
	var he *HTTPError
	if asHTTP(err, &he) {
		return classifyHTTP(he)
	}

	if isTransportError(err) {
		return Classification{ShouldRetry: true}
	}

	// Unknown shapes: safe default is no retry.
	return Classification{}
}

func classifyHTTP(he *HTTPError) Classification {
	switch he.StatusCode {
	case 429, 500, 503, 529:
		return Classification{ShouldRetry: true, RetryAfter: ParseRetryAfter(he.RetryAfter)}
	case 400, 401, 403, 404, 422:
		return Classification{}
	}
	if he.StatusCode >= 500 {
		return Classification{ShouldRetry: true}
	}
	return Classification{}
}

func asHTTP(err error, target **HTTPError) bool {
	for err != nil {
		if he, ok := err.(*HTTPError); ok {
			*target = he
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// transportSignatures are substrings of connection-level failures.
var transportSignatures = []string{
	"connection refused",
	"connection reset",
	"connection timed out",
	"i/o timeout",
	"no such host",
	"broken pipe",
	"EOF",
}

func isTransportError(err error) bool {
	msg := err.Error()
	for _, sig := range transportSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// ParseRetryAfter parses a Retry-After header value as delta-seconds or an
// HTTP-date. Unparseable values yield zero.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			return 0
		}
		return d
	}
	return 0
}
