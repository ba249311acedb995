package domain

import "errors"

var (
	// Request errors
	ErrEmptyPrompt     = errors.New("empty prompt")
	ErrInvalidUserTier = errors.New("invalid user tier")

	// Provider errors
	ErrProviderNotFound = errors.New("provider not found")
	ErrProviderError    = errors.New("provider error")
	ErrProviderTimeout  = errors.New("provider timeout")

	// Policy errors
	ErrQuotaExceeded     = errors.New("daily quota exceeded")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// Routing errors
	ErrNoProviderAvailable = errors.New("no provider available")
	ErrAllProvidersFailed  = errors.New("all providers failed")

	// Store errors
	ErrStoreUnavailable = errors.New("counter store unavailable")
)
