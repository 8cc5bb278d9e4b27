package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"replybridge-backend/internal/config"
	"replybridge-backend/internal/handlers"
)

// RouterDependencies holds all the dependencies required by the router setup,
// primarily handlers and configuration.
type RouterDependencies struct {
	AuthHandler          *handlers.AuthHandler
	CredentialsHandler   *handlers.CredentialsHandler
	MessagingHandlers    *handlers.MessagingHandlers
	ConversationHandlers *handlers.ConversationHandlers
	PlatformHandlers     *handlers.PlatformHandlers
	WebhookHandlers      *handlers.WebhookHandlers
	Config               *config.Config
}

// NewRouter creates and configures the main Chi router for the application.
func NewRouter(deps RouterDependencies) *chi.Mux {
	r := chi.NewRouter()

	// --- Base Middleware Stack ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	// Ordinary routes share one deadline. Bulk sends are capped to fit in it;
	// dispatch waits on the model and gets its own.
	apiTimeout := middleware.Timeout(deps.Config.APITimeout())

	// --- Public Routes (No JWT Required) ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.With(apiTimeout).Route("/v1/auth", func(r chi.Router) {
		r.Post("/signup", deps.AuthHandler.HandleSignup)
		r.Post("/login", deps.AuthHandler.HandleLogin)
	})

	// Provider callbacks. Authenticity comes from provider signatures, not JWTs.
	r.With(apiTimeout).Route("/webhooks", func(r chi.Router) {
		r.Get("/whatsapp", deps.WebhookHandlers.HandleWhatsAppVerify)
		r.Post("/{platform}", deps.WebhookHandlers.HandleWebhook)
		r.Post("/{platform}/{routingKey}", deps.WebhookHandlers.HandleWebhook)
	})

	// --- Authenticated Routes (JWT Required) ---
	r.Route("/v1", func(r chi.Router) {
		r.Use(JwtAuthMiddleware(deps.Config.JWTSecret))

		r.With(middleware.Timeout(deps.Config.DispatchTimeout())).
			Post("/ai/dispatch", deps.MessagingHandlers.HandleDispatch)

		r.Group(func(r chi.Router) {
			r.Use(apiTimeout)

			r.Route("/credentials", func(r chi.Router) {
				r.Post("/", deps.CredentialsHandler.HandleSaveCredentials)
				r.Get("/", deps.CredentialsHandler.HandleListCredentials)
				r.Delete("/{platform}", deps.CredentialsHandler.HandleDeleteCredential)
				r.Post("/{platform}/test", deps.CredentialsHandler.HandleTestCredential)
			})

			r.Route("/messages", func(r chi.Router) {
				r.Post("/send", deps.MessagingHandlers.HandleSend)
				r.Post("/bulk", deps.MessagingHandlers.HandleBulkSend)
				r.Post("/broadcast", deps.MessagingHandlers.HandleBroadcast)
				r.Post("/schedule", deps.MessagingHandlers.HandleSchedule)
				r.Get("/scheduled", deps.MessagingHandlers.HandleListScheduled)
			})

			r.Route("/conversations/{chatID}", func(r chi.Router) {
				r.Get("/history", deps.ConversationHandlers.HandleGetHistory)
				r.Get("/context", deps.ConversationHandlers.HandleGetContext)
				r.Post("/summary", deps.ConversationHandlers.HandleSummarize)
				r.Patch("/preferences", deps.ConversationHandlers.HandleUpdatePreferences)
				r.Delete("/", deps.ConversationHandlers.HandleClear)
			})

			r.Get("/platforms/status", deps.PlatformHandlers.HandleStatus)
		})
	})

	return r
}
