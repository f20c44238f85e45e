package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/agencykit/integrations/web/auth"
	"github.com/agencykit/integrations/web/handlers"
	"github.com/agencykit/integrations/web/middleware"
)

// Config carries the server wiring.
type Config struct {
	Addr                string
	Auth                *auth.AuthMiddleware
	Handlers            *handlers.HandlerGroup
	SubscriptionHandler *SubscriptionHandler
	WebhookHandler      *WebhookHandler
}

// NewRouter assembles the full route table.
func NewRouter(cfg Config) *mux.Router {
	h := cfg.Handlers

	router := mux.NewRouter()
	router.Use(middleware.CORS, middleware.SecurityHeaders, middleware.RequestLogger)

	router.HandleFunc("/health", h.Web.HealthCheck).Methods(http.MethodGet)

	// Provider callbacks arrive via browser redirect from the authorization
	// server and the hosted auth webhook arrives server-to-server. Neither
	// carries a bearer token; the signed state parameter is the credential.
	router.HandleFunc("/api/integrations/linkedin/webhook", h.Integration.LinkedInWebhook).Methods(http.MethodPost)
	router.HandleFunc("/api/integrations/{provider}/callback", h.Integration.Callback).Methods(http.MethodGet)

	if cfg.WebhookHandler != nil {
		router.HandleFunc("/api/webhooks/stripe", cfg.WebhookHandler.HandleStripeWebhook).Methods(http.MethodPost)
	}

	api := router.PathPrefix("/api").Subrouter()
	if cfg.Auth != nil {
		api.Use(cfg.Auth.Authenticate)
	}

	api.HandleFunc("/integrations", h.Integration.List).Methods(http.MethodGet)
	api.HandleFunc("/integrations/{provider}/connect", h.Integration.Connect).Methods(http.MethodPost)
	api.HandleFunc("/integrations/{id}", h.Integration.Disconnect).Methods(http.MethodDelete)

	if cfg.SubscriptionHandler != nil {
		cfg.SubscriptionHandler.RegisterRoutes(api)
	}

	return router
}

// Start runs the HTTP server until ctx is canceled.
func Start(ctx context.Context, cfg Config) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	}
}
