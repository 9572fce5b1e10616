package model

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication indicates the provider rejected our credentials.
	ErrAuthentication = errors.New("model: authentication failed")

	// ErrRateLimited indicates the provider throttled the request.
	ErrRateLimited = errors.New("model: rate limited")

	// ErrOverloaded indicates a transient provider-side failure.
	ErrOverloaded = errors.New("model: provider overloaded")
)

// APIError is a non-2xx provider response. It unwraps to the matching
// sentinel so callers can branch with errors.Is without knowing status
// codes.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("model: api error %d (%s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("model: api error %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == 401 || e.StatusCode == 403:
		return ErrAuthentication
	case e.StatusCode == 429:
		return ErrRateLimited
	case e.StatusCode >= 500:
		return ErrOverloaded
	default:
		return nil
	}
}

// Retryable reports whether err is transient and worth another attempt.
// Authentication failures and malformed requests are not.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrOverloaded)
}
