package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/sogan/sogan-api/internal/config"
	"github.com/sogan/sogan-api/internal/domain/auth"
	"github.com/sogan/sogan-api/internal/domain/diamond"
	"github.com/sogan/sogan-api/internal/middleware"
	"github.com/sogan/sogan-api/internal/pkg/database"
	"github.com/sogan/sogan-api/internal/pkg/jwt"
	"github.com/sogan/sogan-api/internal/pkg/logger"
	pkgresponse "github.com/sogan/sogan-api/internal/pkg/response"
)

const version = "1.0.0"

func main() {
	cfg := config.Load()

	logCloser, err := logger.Init(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Env,
		LogFile:     cfg.LogFile,
	})
	if err != nil {
		log.Error().Err(err).Msg("Log file unavailable, logging to stdout only")
	}
	defer logCloser.Close()

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Str("storage", cfg.StorageDriver).
		Msg("Starting Sogan API")

	policy, err := buildPolicy(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid diamond policy")
	}

	store, closeStore, err := openStore(cfg, policy)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StorageDriver).Msg("Failed to open ledger store")
	}
	defer closeStore()

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)
	diamondService := diamond.NewService(store, policy, time.Now)

	r := newRouter(cfg, jwtService, diamondService)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// In-flight ledger mutations finish before the store closes.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
		return
	}

	log.Info().Msg("Server exited properly")
}

func newRouter(cfg *config.Config, jwtService *jwt.Service, diamondService *diamond.Service) chi.Router {
	authMiddleware := middleware.Auth(jwtService)
	diamondHandler := diamond.NewHandler(diamondService)
	authHandler := auth.NewHandler(auth.NewService(diamondService, jwtService))

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pkgresponse.OK(w, map[string]string{
			"status":  "ok",
			"version": version,
			"storage": cfg.StorageDriver,
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/users", authHandler.Routes(authMiddleware))
		r.Mount("/diamonds", diamondHandler.Routes(authMiddleware))
		r.Mount("/actions", diamondHandler.ActionRoutes(authMiddleware))
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Mount("/users", diamondHandler.AdminRoutes(authMiddleware))
	})

	return r
}

func buildPolicy(cfg *config.Config) (*diamond.Policy, error) {
	loc, err := time.LoadLocation(cfg.DiamondRefillTimezone)
	if err != nil {
		return nil, fmt.Errorf("refill timezone %q: %w", cfg.DiamondRefillTimezone, err)
	}
	return diamond.NewPolicy(
		cfg.DiamondInitialBalance,
		cfg.DiamondMaxBalance,
		cfg.DiamondPurchaseCap,
		loc,
		cfg.DiamondActionCosts,
	)
}

// openStore connects the configured backend and returns its closer.
func openStore(cfg *config.Config, policy *diamond.Policy) (diamond.Store, func(), error) {
	switch cfg.StorageDriver {
	case config.StoragePostgres:
		db, err := database.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := migrate(db.DriverName(), func(ctx context.Context, stmts []string) error {
			return database.Migrate(ctx, db, stmts)
		}); err != nil {
			database.Close(db)
			return nil, nil, err
		}
		return diamond.NewRepository(db, policy, time.Now, cfg.StorageTimeout), func() { database.Close(db) }, nil

	case config.StorageSQLite:
		db, err := database.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		if err := migrate(db.DriverName(), func(ctx context.Context, stmts []string) error {
			return database.Migrate(ctx, db, stmts)
		}); err != nil {
			database.Close(db)
			return nil, nil, err
		}
		return diamond.NewRepository(db, policy, time.Now, cfg.StorageTimeout), func() { database.Close(db) }, nil

	case config.StorageRedis:
		client, err := database.NewRedis(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return diamond.NewRedisStore(client, policy, time.Now, cfg.StorageTimeout), func() { database.CloseRedis(client) }, nil

	case config.StorageMemory:
		if cfg.IsProduction() {
			log.Warn().Msg("Memory ledger store in production: balances are lost on restart")
		}
		return diamond.NewMemoryStore(policy, time.Now), func() {}, nil
	}

	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
}

func migrate(driver string, apply func(ctx context.Context, stmts []string) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return apply(ctx, diamond.Migrations(driver))
}
