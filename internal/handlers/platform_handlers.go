package handlers

import (
	"net/http"

	"replybridge-backend/internal/models"
	"replybridge-backend/pkg/httputil"
)

// PlatformStatusSource reports the system adapters' connectivity.
type PlatformStatusSource interface {
	Status() map[models.Platform]models.PlatformStatus
	DefaultPlatform() models.Platform
}

type PlatformHandlers struct {
	source PlatformStatusSource
}

func NewPlatformHandlers(source PlatformStatusSource) *PlatformHandlers {
	return &PlatformHandlers{source: source}
}

type platformStatusResponse struct {
	DefaultPlatform models.Platform                           `json:"default_platform,omitempty"`
	Platforms       map[models.Platform]models.PlatformStatus `json:"platforms"`
}

// HandleStatus handles GET /v1/platforms/status
func (h *PlatformHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	httputil.RespondJSON(w, http.StatusOK, platformStatusResponse{
		DefaultPlatform: h.source.DefaultPlatform(),
		Platforms:       h.source.Status(),
	})
}
