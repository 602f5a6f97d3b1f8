package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lowc1012/throttle-policy-go/internal/config"
	"github.com/lowc1012/throttle-policy-go/internal/log"
	"github.com/lowc1012/throttle-policy-go/internal/utils"
	"github.com/lowc1012/throttle-policy-go/pkg/ratelimiter"
	"github.com/lowc1012/throttle-policy-go/rate_limiter"
)

func HelloHandler(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("Hello, World!"))
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Logger().Fatal("Failed to load config", zap.Error(err))
	}

	logger, err := log.New(cfg.Log.Level)
	if err != nil {
		log.Logger().Fatal("Invalid log level", zap.String("level", cfg.Log.Level), zap.Error(err))
	}
	log.SetLogger(logger)
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := newStore(cfg.Storage, cfg.Policy)
	if err != nil {
		log.Logger().Fatal("Failed to init store", zap.Error(err))
	}
	defer closeStore()

	policy := newPolicy(cfg.Policy, store)
	for _, l := range policy.Limiters() {
		log.Logger().Info("Limiter configured", zap.String("policy", policy.Name()), zap.Stringer("limiter", l))
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(ratelimiter.Middleware(&ratelimiter.Config{
		Extractor: newExtractor(cfg.Server),
		Policy:    policy,
	}))
	r.Get("/api/v1/hello", HelloHandler)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Logger().Info("Run a server", zap.String("addr", srv.Addr), zap.String("store", cfg.Storage.Type))
		if err := srv.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Logger().Info("Shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Logger().Fatal("Failed to serve handler", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Logger().Error("Graceful shutdown failed", zap.Error(err))
	}
}

func newStore(cfg config.StorageConfig, policy config.PolicyConfig) (rate_limiter.Store, func(), error) {
	identity := make([]interface{}, len(policy.Prefixes))
	for i, p := range policy.Prefixes {
		identity[i] = p
	}

	switch cfg.Type {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping failed: %w", err)
		}

		return rate_limiter.NewRedisStore(client, rate_limiter.WithPolicyIdentityValues(identity...)), func() {
			if err := client.Close(); err != nil {
				log.Logger().Error("Failed to close redis client", zap.Error(err))
			}
		}, nil
	default:
		return rate_limiter.NewMemoryStore(rate_limiter.WithPolicyIdentityValues(identity...)), func() {}, nil
	}
}

func newPolicy(cfg config.PolicyConfig, store rate_limiter.Store) *rate_limiter.Policy {
	policy := rate_limiter.NewPolicy(
		rate_limiter.WithName(cfg.Name),
		rate_limiter.WithStore(store),
		rate_limiter.WithLimiters(cfg.Limiters...),
	)
	if cfg.PerSecond != nil {
		policy.SetPerSecond(*cfg.PerSecond)
	}
	if cfg.PerMinute != nil {
		policy.SetPerMinute(*cfg.PerMinute)
	}
	if cfg.PerHour != nil {
		policy.SetPerHour(*cfg.PerHour)
	}
	if cfg.PerDay != nil {
		policy.SetPerDay(*cfg.PerDay)
	}
	return policy
}

func newExtractor(cfg config.ServerConfig) utils.Extractor {
	var e utils.Extractor
	if len(cfg.KeyHeaders) > 0 {
		e = utils.NewHTTPHeadersExtractor(cfg.KeyHeaders...)
	} else {
		e = utils.NewRemoteAddrExtractor(cfg.TrustForwardedFor)
	}
	if cfg.PerRoute {
		e = utils.WithRoute(e)
	}
	return e
}
