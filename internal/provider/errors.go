package provider

import (
	"errors"
	"strings"

	"github.com/rubenmavarezb/aidf-sub001/internal/aidferr"
)

// MapModelError converts SDK and transport errors from a chat model into
// the categorized taxonomy. Already-categorized errors pass through.
func MapModelError(err error) error {
	if err == nil {
		return nil
	}
	var ae *aidferr.Error
	if errors.As(err, &ae) {
		return err
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, "429", "rate limit", "quota", "too many requests", "overloaded") {
		return aidferr.New(aidferr.CategoryProvider, aidferr.CodeProviderRateLimit, err.Error()).WithCause(err)
	}
	if containsAny(errStr, "401", "403", "unauthorized", "invalid api key", "forbidden", "authentication") {
		return aidferr.NewAPIError(err.Error(), false).WithCause(err)
	}
	if containsAny(errStr, "model not found", "404", "not found", "not_found_error") {
		return aidferr.New(aidferr.CategoryProvider, aidferr.CodeProviderNotAvailable, err.Error()).WithCause(err)
	}
	if containsAny(errStr, "400", "422", "invalid request", "invalid_request_error") {
		return aidferr.NewAPIError(err.Error(), false).WithCause(err)
	}
	if containsAny(errStr, "500", "502", "503", "529", "internal server", "bad gateway", "service unavailable") {
		return aidferr.NewAPIError(err.Error(), true).WithCause(err)
	}
	if containsAny(errStr, "connection", "eof", "timeout", "dial", "refused", "reset") {
		return aidferr.NewAPIError(err.Error(), true).WithCause(err)
	}

	// Unknown shapes: non-retryable API error (safe default).
	return aidferr.NewAPIError(err.Error(), false).WithCause(err)
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
