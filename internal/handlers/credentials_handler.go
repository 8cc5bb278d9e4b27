package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"replybridge-backend/internal/models"
	"replybridge-backend/internal/services"
	"replybridge-backend/pkg/httputil"
)

// CredentialsService defines the interface expected from the credentials service.
type CredentialsService interface {
	SaveCredentials(ctx context.Context, userID uuid.UUID, req models.CreateCredentialRequest) (*models.CredentialResponse, error)
	ListCredentials(ctx context.Context, userID uuid.UUID) ([]models.CredentialResponse, error)
	DeleteCredential(ctx context.Context, userID uuid.UUID, platform models.Platform) error
	TestCredentials(ctx context.Context, userID uuid.UUID, platform models.Platform) (*models.TestConnectionResult, error)
}

type CredentialsHandler struct {
	credService CredentialsService
}

func NewCredentialsHandler(credSvc CredentialsService) *CredentialsHandler {
	return &CredentialsHandler{
		credService: credSvc,
	}
}

// HandleSaveCredentials handles POST /v1/credentials. Saving again for the
// same platform replaces the stored bundle.
func (h *CredentialsHandler) HandleSaveCredentials(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req models.CreateCredentialRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if req.Platform == "" || len(req.Credentials) == 0 {
		httputil.RespondError(w, http.StatusBadRequest, "Missing required fields: platform, credentials")
		return
	}

	resp, err := h.credService.SaveCredentials(r.Context(), userID, req)
	if err != nil {
		log.Printf("ERROR [CredHandler] HandleSaveCredentials for UserID %s: %v", userID, err)
		switch {
		case errors.Is(err, models.ErrValidation), errors.Is(err, services.ErrCredentialTestFailed):
			httputil.RespondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, services.ErrCredentialEncryption):
			httputil.RespondError(w, http.StatusInternalServerError, "Failed to secure credentials")
		default:
			httputil.RespondError(w, http.StatusInternalServerError, "Failed to save credentials")
		}
		return
	}

	httputil.RespondJSON(w, http.StatusCreated, resp)
}

// HandleListCredentials handles GET /v1/credentials
func (h *CredentialsHandler) HandleListCredentials(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	creds, err := h.credService.ListCredentials(r.Context(), userID)
	if err != nil {
		log.Printf("ERROR [CredHandler] HandleListCredentials for UserID %s: %v", userID, err)
		httputil.RespondError(w, http.StatusInternalServerError, "Failed to list credentials")
		return
	}

	// Return empty list if no credentials found, not an error
	if creds == nil {
		creds = []models.CredentialResponse{}
	}
	httputil.RespondJSON(w, http.StatusOK, creds)
}

// HandleDeleteCredential handles DELETE /v1/credentials/{platform}
func (h *CredentialsHandler) HandleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	platform, err := models.ParsePlatform(chi.URLParam(r, "platform"))
	if err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.credService.DeleteCredential(r.Context(), userID, platform); err != nil {
		log.Printf("ERROR [CredHandler] HandleDeleteCredential for %s, UserID %s: %v", platform, userID, err)
		if errors.Is(err, services.ErrCredentialNotFound) {
			httputil.RespondError(w, http.StatusNotFound, err.Error())
		} else {
			httputil.RespondError(w, http.StatusInternalServerError, "Failed to delete credential")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent) // 204 No Content on successful deletion
}

// HandleTestCredential handles POST /v1/credentials/{platform}/test
func (h *CredentialsHandler) HandleTestCredential(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	platform, err := models.ParsePlatform(chi.URLParam(r, "platform"))
	if err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.credService.TestCredentials(r.Context(), userID, platform)
	if err != nil {
		log.Printf("ERROR [CredHandler] HandleTestCredential for %s, UserID %s: %v", platform, userID, err)
		switch {
		case errors.Is(err, models.ErrCredentialMissing):
			httputil.RespondError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, services.ErrCredentialDecryption):
			httputil.RespondError(w, http.StatusInternalServerError, "Stored credentials could not be decrypted")
		default:
			httputil.RespondError(w, http.StatusInternalServerError, "Failed to test credential")
		}
		return
	}

	// A failed connection is still a successful test request.
	httputil.RespondJSON(w, http.StatusOK, resp)
}
