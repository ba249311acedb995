package errors

import (
	"github.com/go-kratos/kratos/v2/errors"
)

// HTTP-equivalent codes surfaced at the orchestration boundary.
const (
	CodeInvalidRequest      = 400
	CodeQuotaExceeded       = 429
	CodeRateLimited         = 429
	CodeAllProvidersFailed  = 502
	CodeNoProviderAvailable = 503
	CodeStatsUnavailable    = 503
)

// Error reasons. These are the stable machine-readable identifiers
// callers switch on; messages are free-form.
const (
	ReasonInvalidRequest      = "INVALID_REQUEST"
	ReasonQuotaExceeded       = "QUOTA_EXCEEDED"
	ReasonRateLimited         = "RATE_LIMITED"
	ReasonNoProviderAvailable = "NO_PROVIDER_AVAILABLE"
	ReasonAllProvidersFailed  = "ALL_PROVIDERS_FAILED"
	ReasonStatsUnavailable    = "STATS_UNAVAILABLE"
)

// NewInvalidRequest creates a caller-error for malformed input. Not retried.
func NewInvalidRequest(message string) *errors.Error {
	return errors.New(CodeInvalidRequest, ReasonInvalidRequest, message)
}

// NewQuotaExceeded creates the daily-limit policy rejection.
func NewQuotaExceeded(message string) *errors.Error {
	return errors.New(CodeQuotaExceeded, ReasonQuotaExceeded, message)
}

// NewRateLimited creates the short-window policy rejection.
func NewRateLimited(message string) *errors.Error {
	return errors.New(CodeRateLimited, ReasonRateLimited, message)
}

// NewNoProviderAvailable signals every candidate was pre-filtered out.
func NewNoProviderAvailable(message string) *errors.Error {
	return errors.New(CodeNoProviderAvailable, ReasonNoProviderAvailable, message)
}

// NewAllProvidersFailed signals every candidate was attempted and failed.
// Per-provider failure reasons travel in the error metadata, keyed by
// provider id, in attempted order under the "order" key.
func NewAllProvidersFailed(message string, diagnostics map[string]string) *errors.Error {
	return errors.New(CodeAllProvidersFailed, ReasonAllProvidersFailed, message).WithMetadata(diagnostics)
}

// NewStatsUnavailable signals the attempt-log storage backing the stats
// endpoints is not configured or unreachable.
func NewStatsUnavailable(message string) *errors.Error {
	return errors.New(CodeStatsUnavailable, ReasonStatsUnavailable, message)
}

// IsInvalidRequest reports whether err is an INVALID_REQUEST error.
func IsInvalidRequest(err error) bool {
	return errors.Reason(err) == ReasonInvalidRequest
}

// IsQuotaExceeded reports whether err is a QUOTA_EXCEEDED error.
func IsQuotaExceeded(err error) bool {
	return errors.Reason(err) == ReasonQuotaExceeded
}

// IsRateLimited reports whether err is a RATE_LIMITED error.
func IsRateLimited(err error) bool {
	return errors.Reason(err) == ReasonRateLimited
}

// IsNoProviderAvailable reports whether err is a NO_PROVIDER_AVAILABLE error.
func IsNoProviderAvailable(err error) bool {
	return errors.Reason(err) == ReasonNoProviderAvailable
}

// IsAllProvidersFailed reports whether err is an ALL_PROVIDERS_FAILED error.
func IsAllProvidersFailed(err error) bool {
	return errors.Reason(err) == ReasonAllProvidersFailed
}

// IsStatsUnavailable reports whether err is a STATS_UNAVAILABLE error.
func IsStatsUnavailable(err error) bool {
	return errors.Reason(err) == ReasonStatsUnavailable
}
