// Package tasks provides Redis task handling functionality
package tasks

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/agencykit/integrations/config"
	"github.com/agencykit/integrations/models"
	"github.com/agencykit/integrations/oauthflow"
	"github.com/agencykit/integrations/pkg/encryption"
)

// TaskHandler handles processing of Redis tasks
type TaskHandler interface {
	ProcessTask(ctx context.Context, task *asynq.Task) error
}

// Handler implements TaskHandler interface
type Handler struct {
	maxRetries    int
	retryInterval time.Duration
	taskTimeout   time.Duration
	refreshWindow time.Duration

	repo      models.IntegrationRepository
	encryptor *encryption.Encryptor
	cfg       *config.Service
	gmail     *oauthflow.Gmail
	instagram *oauthflow.Instagram
	logger    *log.Logger
}

// HandlerOption is a function that configures a Handler
type HandlerOption func(*Handler)

// WithMaxRetries sets the maximum number of retries for a task
func WithMaxRetries(retries int) HandlerOption {
	return func(h *Handler) {
		h.maxRetries = retries
	}
}

// WithRetryInterval sets the retry interval for failed tasks
func WithRetryInterval(interval time.Duration) HandlerOption {
	return func(h *Handler) {
		h.retryInterval = interval
	}
}

// WithTaskTimeout sets the timeout for task processing
func WithTaskTimeout(timeout time.Duration) HandlerOption {
	return func(h *Handler) {
		h.taskTimeout = timeout
	}
}

// WithRefreshWindow sets how far ahead of expiry tokens are refreshed
func WithRefreshWindow(window time.Duration) HandlerOption {
	return func(h *Handler) {
		h.refreshWindow = window
	}
}

// WithIntegrationRepo sets the integration repository
func WithIntegrationRepo(repo models.IntegrationRepository) HandlerOption {
	return func(h *Handler) {
		h.repo = repo
	}
}

// WithEncryptor sets the token encryptor
func WithEncryptor(enc *encryption.Encryptor) HandlerOption {
	return func(h *Handler) {
		h.encryptor = enc
	}
}

// WithConfigService sets the configuration service
func WithConfigService(cfg *config.Service) HandlerOption {
	return func(h *Handler) {
		h.cfg = cfg
	}
}

// WithProviders sets the providers used for token renewal
func WithProviders(gmail *oauthflow.Gmail, instagram *oauthflow.Instagram) HandlerOption {
	return func(h *Handler) {
		h.gmail = gmail
		h.instagram = instagram
	}
}

// WithLogger sets the handler logger
func WithLogger(logger *log.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates a new task handler with the provided options
func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{
		maxRetries:    3,
		retryInterval: 5 * time.Second,
		taskTimeout:   5 * time.Minute,
		refreshWindow: time.Hour,
		gmail:         oauthflow.NewGmail(),
		instagram:     oauthflow.NewInstagram(),
		logger:        log.New(io.Discard, "", 0),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// ProcessTask processes a task based on its type
func (h *Handler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	ctx, cancel := context.WithTimeout(ctx, h.taskTimeout)
	defer cancel()

	switch task.Type() {
	case TypeTokenRefresh:
		return h.processTokenRefreshTask(ctx, task)
	case TypeHealthCheck:
		return nil // Health check task always succeeds
	case TypeConnectionTest:
		return nil // Connection test task always succeeds
	default:
		return fmt.Errorf("unknown task type: %s", task.Type())
	}
}
