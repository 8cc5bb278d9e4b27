package models

import (
	"errors"
	"time"
)

// SendOutcome tags the result of one send attempt.
type SendOutcome string

const (
	OutcomeSent              SendOutcome = "sent"
	OutcomeRateLimited       SendOutcome = "rate_limited"
	OutcomeCredentialMissing SendOutcome = "credential_missing"
	OutcomeUpstreamError     SendOutcome = "upstream_error"
	OutcomeValidationError   SendOutcome = "validation_error"
	OutcomeConnectionError   SendOutcome = "connection_error"
)

// SendResult is returned across the send/schedule boundary instead of an error.
type SendResult struct {
	Outcome    SendOutcome   `json:"outcome"`
	Platform   Platform      `json:"platform,omitempty"`
	To         string        `json:"to,omitempty"`
	MessageID  string        `json:"message_id,omitempty"`
	Message    *Message      `json:"message,omitempty"`
	Error      string        `json:"error,omitempty"`
	RetryAfter time.Duration `json:"retry_after_ns,omitempty"`
}

// Success reports whether the message was delivered to the provider.
func (r SendResult) Success() bool { return r.Outcome == OutcomeSent }

// OutcomeForError classifies err into the send taxonomy.
func OutcomeForError(err error) SendOutcome {
	switch {
	case err == nil:
		return OutcomeSent
	case errors.Is(err, ErrRateLimitExceeded):
		return OutcomeRateLimited
	case errors.Is(err, ErrCredentialMissing):
		return OutcomeCredentialMissing
	case errors.Is(err, ErrValidation):
		return OutcomeValidationError
	case errors.Is(err, ErrConnection), errors.Is(err, ErrNoPlatforms):
		return OutcomeConnectionError
	default:
		return OutcomeUpstreamError
	}
}
