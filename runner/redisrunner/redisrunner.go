// Package redisrunner provides the Redis-backed background worker that keeps
// integration tokens fresh.
package redisrunner

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/agencykit/integrations/config"
	"github.com/agencykit/integrations/pkg/encryption"
	"github.com/agencykit/integrations/postgres"
	"github.com/agencykit/integrations/redis"
	redisconfig "github.com/agencykit/integrations/redis/config"
	"github.com/agencykit/integrations/redis/tasks"
	"github.com/agencykit/integrations/runner"
)

// RedisRunner implements the runner.Runner interface for the token refresh worker.
type RedisRunner struct {
	cfg             *runner.Config
	redisCfg        *redisconfig.RedisConfig
	server          *redis.Server
	client          *redis.Client
	mux             *asynq.ServeMux
	db              *sql.DB
	refreshInterval time.Duration
	wg              sync.WaitGroup
	done            chan struct{}
}

// New creates a new RedisRunner from the provided configuration.
func New(cfg *runner.Config) (*RedisRunner, error) {
	if cfg.Dsn == "" {
		return nil, fmt.Errorf("worker mode requires a database connection string")
	}

	if cfg.RedisURL != "" {
		if err := os.Setenv("REDIS_URL", cfg.RedisURL); err != nil {
			return nil, fmt.Errorf("failed to set Redis URL: %w", err)
		}
	}

	redisCfg, err := redisconfig.NewRedisConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis config: %w", err)
	}

	redisCfg.Workers = cfg.RedisWorkers
	redisCfg.MaxRetries = cfg.RedisMaxRetries
	redisCfg.RetryInterval = cfg.RedisRetryInterval

	db, err := sql.Open("pgx", cfg.Dsn)
	if err != nil {
		return nil, err
	}

	encryptor, err := encryption.New(encryption.EncryptionConfig{Key: cfg.TokenEncryptionKey})
	if err != nil {
		db.Close()
		return nil, err
	}

	handler := tasks.NewHandler(
		tasks.WithMaxRetries(cfg.RedisMaxRetries),
		tasks.WithRetryInterval(cfg.RedisRetryInterval),
		tasks.WithRefreshWindow(cfg.RefreshWindow),
		tasks.WithIntegrationRepo(postgres.NewIntegrationRepository(db)),
		tasks.WithEncryptor(encryptor),
		tasks.WithConfigService(config.New(db)),
		tasks.WithLogger(log.New(os.Stderr, "[worker] ", log.LstdFlags)),
	)

	client, err := redis.NewClient(redisCfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create Redis client: %w", err)
	}

	server, err := redis.NewServer(redisCfg)
	if err != nil {
		client.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create Redis server: %w", err)
	}

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeTokenRefresh, handler.ProcessTask)
	mux.HandleFunc(tasks.TypeHealthCheck, handler.ProcessTask)
	mux.HandleFunc(tasks.TypeConnectionTest, handler.ProcessTask)

	refreshInterval := cfg.RefreshInterval
	if refreshInterval <= 0 {
		refreshInterval = 15 * time.Minute
	}

	return &RedisRunner{
		cfg:             cfg,
		redisCfg:        redisCfg,
		server:          server,
		client:          client,
		mux:             mux,
		db:              db,
		refreshInterval: refreshInterval,
		done:            make(chan struct{}),
	}, nil
}

// Run starts the worker and begins processing tasks.
func (r *RedisRunner) Run(ctx context.Context) error {
	log.Printf("Starting token refresh worker with %d workers", r.redisCfg.Workers)

	r.wg.Add(1)
	go r.scheduleRefreshSweeps(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.server.Start(ctx, r.mux); err != nil {
			log.Printf("Error running Redis server: %v", err)
		}
	}()

	<-ctx.Done()
	return nil
}

// Close gracefully shuts down the worker.
func (r *RedisRunner) Close(ctx context.Context) error {
	log.Println("Shutting down token refresh worker...")

	close(r.done)
	r.wg.Wait()

	if err := r.server.Shutdown(ctx); err != nil {
		log.Printf("Error shutting down Redis server: %v", err)
	}

	if err := r.client.Close(); err != nil {
		log.Printf("Error closing Redis client: %v", err)
	}

	if err := r.db.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}

	log.Println("Token refresh worker shutdown complete")
	return nil
}

// scheduleRefreshSweeps periodically enqueues a token refresh sweep. The
// task is unique for the sweep interval so multiple worker replicas do not
// stack duplicate sweeps.
func (r *RedisRunner) scheduleRefreshSweeps(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.refreshInterval)
	defer ticker.Stop()

	enqueue := func() {
		task, err := tasks.CreateTokenRefreshTask(&tasks.TokenRefreshPayload{})
		if err != nil {
			log.Printf("Failed to create token refresh task: %v", err)
			return
		}

		err = r.client.EnqueueTask(ctx, task.Type(), task.Payload(),
			asynq.Queue(tasks.PriorityDefault),
			asynq.Unique(r.refreshInterval),
			asynq.MaxRetry(r.redisCfg.MaxRetries),
		)
		if err != nil {
			log.Printf("Failed to enqueue token refresh task: %v", err)
		}
	}

	enqueue()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			enqueue()
		}
	}
}

// EnqueueTask enqueues a new task for processing.
func (r *RedisRunner) EnqueueTask(ctx context.Context, taskType string, payload []byte, opts ...asynq.Option) error {
	return r.client.EnqueueTask(ctx, taskType, payload, opts...)
}
