// Package webrunner wires the integration service's HTTP surface.
package webrunner

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/agencykit/integrations/access"
	"github.com/agencykit/integrations/config"
	"github.com/agencykit/integrations/models"
	"github.com/agencykit/integrations/oauthflow"
	"github.com/agencykit/integrations/pkg/encryption"
	"github.com/agencykit/integrations/pkg/statesign"
	"github.com/agencykit/integrations/postgres"
	"github.com/agencykit/integrations/runner"
	stripeClient "github.com/agencykit/integrations/stripe"
	"github.com/agencykit/integrations/subscription"
	"github.com/agencykit/integrations/web"
	"github.com/agencykit/integrations/web/auth"
	"github.com/agencykit/integrations/web/handlers"
	websqlite "github.com/agencykit/integrations/web/sqlite"
)

type webrunner struct {
	cfg    *runner.Config
	webCfg web.Config
	db     *sql.DB
}

func New(cfg *runner.Config) (runner.Runner, error) {
	logger := log.New(os.Stderr, "", log.LstdFlags)

	signer, err := statesign.New(statesign.SigningConfig{Secret: cfg.StateSigningSecret})
	if err != nil {
		return nil, err
	}

	encryptor, err := encryption.New(encryption.EncryptionConfig{Key: cfg.TokenEncryptionKey})
	if err != nil {
		return nil, err
	}

	var (
		db              *sql.DB
		integrationRepo models.IntegrationRepository
		userRepo        models.UserRepository
		subRepo         models.SubscriptionRepository
		webhookRepo     models.WebhookRepository
	)

	if cfg.Dsn != "" {
		migrator := postgres.NewMigrationRunner(cfg.Dsn)
		if err := migrator.RunMigrations(); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}

		db, err = sql.Open("pgx", cfg.Dsn)
		if err != nil {
			return nil, err
		}

		integrationRepo = postgres.NewIntegrationRepository(db)
		userRepo = postgres.NewUserRepository(db)
		subRepo = postgres.NewSubscriptionRepository(db)
		webhookRepo = postgres.NewWebhookRepository(db)
	} else {
		if cfg.DataFolder == "" {
			return nil, fmt.Errorf("data folder is required")
		}

		if err := os.MkdirAll(cfg.DataFolder, os.ModePerm); err != nil {
			return nil, err
		}

		integrationRepo, db, err = websqlite.Open(filepath.Join(cfg.DataFolder, "integrations.db"))
		if err != nil {
			return nil, err
		}
	}

	cfgSvc := config.New(db)
	gate := access.NewGate(nil, loadPromotion(cfgSvc, logger))

	appURL := cfg.AppURL
	if appURL == "" {
		appURL = "http://localhost:3000"
	}

	unipile := oauthflow.NewUnipileClient()

	var (
		subSvc    subscription.ServiceInterface
		subLookup oauthflow.SubscriptionLookup
	)

	if userRepo != nil {
		svc := subscription.NewService(stripeClient.NewClient(cfg.StripeAPIKey), subRepo, userRepo, webhookRepo, logger)
		subSvc = svc
		subLookup = svc
	} else {
		// Local single-node mode has no user database; every feature is open.
		subLookup = openSubscription{}
	}

	initiator := &oauthflow.Initiator{
		Signer:  signer,
		Config:  cfgSvc,
		Gate:    gate,
		Subs:    subLookup,
		Repo:    integrationRepo,
		Unipile: unipile,
		AppURL:  appURL,
		Logger:  logger,
	}

	callback := &oauthflow.CallbackPipeline{
		Signer:    signer,
		Encryptor: encryptor,
		Repo:      integrationRepo,
		Config:    cfgSvc,
		AppURL:    appURL,
		Logger:    logger,
	}

	accountLink := &oauthflow.AccountLinkPipeline{
		Signer:  signer,
		Repo:    integrationRepo,
		Config:  cfgSvc,
		Unipile: unipile,
		Logger:  logger,
	}

	var authMiddleware *auth.AuthMiddleware
	if cfg.ClerkAPIKey != "" && userRepo != nil {
		authMiddleware, err = auth.NewAuthMiddleware(cfg.ClerkAPIKey, userRepo)
		if err != nil {
			return nil, err
		}
	}

	group := handlers.NewHandlerGroup(handlers.Dependencies{
		Logger:          logger,
		DB:              db,
		Auth:            authMiddleware,
		Initiator:       initiator,
		Callback:        callback,
		AccountLink:     accountLink,
		IntegrationRepo: integrationRepo,
		SubscriptionSvc: subSvc,
	})

	webCfg := web.Config{
		Addr:     cfg.Addr,
		Auth:     authMiddleware,
		Handlers: group,
	}

	if subSvc != nil {
		webCfg.SubscriptionHandler = web.NewSubscriptionHandler(subSvc, logger)

		if cfg.StripeWebhookSecret != "" {
			webCfg.WebhookHandler = web.NewWebhookHandler(
				stripeClient.NewClient(cfg.StripeAPIKey), subSvc, cfg.StripeWebhookSecret, logger)
		}
	}

	return &webrunner{
		cfg:    cfg,
		webCfg: webCfg,
		db:     db,
	}, nil
}

func (w *webrunner) Run(ctx context.Context) error {
	log.Printf("Starting integration service on %s", w.cfg.Addr)

	return web.Start(ctx, w.webCfg)
}

func (w *webrunner) Close(context.Context) error {
	if w.db != nil {
		return w.db.Close()
	}

	return nil
}

// loadPromotion reads the optional free-access window from configuration.
func loadPromotion(cfgSvc *config.Service, logger *log.Logger) *access.Promotion {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := cfgSvc.GetString(ctx, "access.promotion_expires_at", "")
	if err != nil || raw == "" {
		return nil
	}

	expires, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		logger.Printf("invalid access.promotion_expires_at %q: %v", raw, err)

		return nil
	}

	promo := &access.Promotion{ExpiresAt: expires}

	excluded, err := cfgSvc.GetString(ctx, "access.promotion_excluded", "")
	if err == nil && excluded != "" {
		for _, f := range strings.Split(excluded, ",") {
			promo.Excluded = append(promo.Excluded, access.Feature(strings.TrimSpace(f)))
		}
	}

	return promo
}

// openSubscription grants every provider in local mode.
type openSubscription struct{}

func (openSubscription) SubscriptionState(context.Context, string) (access.SubscriptionState, error) {
	return access.SubscriptionState{
		PlanID: "dev",
		Features: []string{
			models.ProviderSlack, models.ProviderGmail,
			models.ProviderInstagram, models.ProviderLinkedIn,
		},
	}, nil
}

var _ oauthflow.SubscriptionLookup = openSubscription{}
