package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by adapters, services and handlers.
var (
	ErrConnection        = errors.New("platform not connected")
	ErrValidation        = errors.New("validation failed")
	ErrCredentialMissing = errors.New("credentials missing")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrUpstreamAPI       = errors.New("upstream api error")
	ErrToolExecution     = errors.New("tool execution failed")
	ErrScheduling        = errors.New("scheduling failed")
	ErrNoPlatforms       = errors.New("no platforms registered")
	ErrDuplicateMessage  = errors.New("duplicate message")
)

// UpstreamAPIError is a non-2xx (or ok=false) answer from a provider API.
type UpstreamAPIError struct {
	Platform   Platform
	StatusCode int
	Body       string
}

func (e *UpstreamAPIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s api error: %s", e.Platform, e.Body)
	}
	return fmt.Sprintf("%s api error (status %d): %s", e.Platform, e.StatusCode, e.Body)
}

// Is lets errors.Is(err, ErrUpstreamAPI) match any *UpstreamAPIError.
func (e *UpstreamAPIError) Is(target error) bool {
	return target == ErrUpstreamAPI
}

// NewUpstreamAPIError truncates body so provider payloads don't flood the message log.
func NewUpstreamAPIError(p Platform, status int, body string) *UpstreamAPIError {
	const maxBody = 512
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	return &UpstreamAPIError{Platform: p, StatusCode: status, Body: body}
}
