package handlers

import (
	"database/sql"
	"log"

	"github.com/agencykit/integrations/models"
	"github.com/agencykit/integrations/oauthflow"
	"github.com/agencykit/integrations/subscription"
	"github.com/agencykit/integrations/web/auth"
)

// Dependencies aggregates shared services used by handlers.
type Dependencies struct {
	Logger          *log.Logger
	DB              *sql.DB
	Auth            *auth.AuthMiddleware
	Initiator       *oauthflow.Initiator
	Callback        *oauthflow.CallbackPipeline
	AccountLink     *oauthflow.AccountLinkPipeline
	IntegrationRepo models.IntegrationRepository
	SubscriptionSvc subscription.ServiceInterface
}

// HandlerGroup groups all handler categories for routing setup.
type HandlerGroup struct {
	Web         *WebHandlers
	Integration *IntegrationHandler
}

// NewHandlerGroup constructs a HandlerGroup with initialized handlers.
func NewHandlerGroup(deps Dependencies) *HandlerGroup {
	return &HandlerGroup{
		Web:         &WebHandlers{Deps: deps},
		Integration: NewIntegrationHandler(deps),
	}
}

// WebHandlers contains routes for public pages.
type WebHandlers struct{ Deps Dependencies }
