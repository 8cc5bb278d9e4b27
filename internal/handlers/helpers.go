package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"replybridge-backend/internal/auth"
	"replybridge-backend/internal/models"
	"replybridge-backend/pkg/httputil"
)

// requireUserID writes a 401 and returns false when the JWT middleware did not run.
func requireUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		httputil.RespondError(w, http.StatusUnauthorized, "User ID not found in token context")
		return uuid.Nil, false
	}
	return userID, true
}

// statusForOutcome maps a send outcome to the HTTP status of the response carrying it.
func statusForOutcome(outcome models.SendOutcome) int {
	switch outcome {
	case models.OutcomeSent:
		return http.StatusOK
	case models.OutcomeValidationError, models.OutcomeCredentialMissing:
		return http.StatusBadRequest
	case models.OutcomeRateLimited:
		return http.StatusTooManyRequests
	case models.OutcomeConnectionError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// respondSendResult writes result with its mapped status and a Retry-After
// header when the caller was rate limited.
func respondSendResult(w http.ResponseWriter, result models.SendResult) {
	if result.Outcome == models.OutcomeRateLimited {
		setRetryAfter(w, result.RetryAfter)
	}
	httputil.RespondJSON(w, statusForOutcome(result.Outcome), result)
}

// setRetryAfter writes d rounded up to whole seconds; zero writes nothing.
func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	if d <= 0 {
		return
	}
	secs := int((d + time.Second - 1) / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
