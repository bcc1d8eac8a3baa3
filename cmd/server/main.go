// Package main is the entry point for the resetflow server. It loads
// configuration, builds the stores (in-memory by default, Redis-backed
// when configured), seeds the demo account, and starts the HTTP server.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tbeier/resetflow/internal/audit"
	"github.com/tbeier/resetflow/internal/config"
	"github.com/tbeier/resetflow/internal/credstore"
	"github.com/tbeier/resetflow/internal/httpapi"
	"github.com/tbeier/resetflow/internal/password"
	"github.com/tbeier/resetflow/internal/random"
	"github.com/tbeier/resetflow/internal/rate"
	"github.com/tbeier/resetflow/internal/session"
	"github.com/tbeier/resetflow/internal/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := setupLogging(cfg)
	logger.Info("starting resetflow",
		slog.String("env", cfg.Env),
		slog.String("addr", cfg.Addr),
	)

	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		logger.Error("invalid hashing parameters", slog.Any("error", err))
		os.Exit(1)
	}

	creds := credstore.NewMemStore(hasher, password.Policy{MinLength: cfg.Password.MinLength})
	if _, err := creds.Create(cfg.Seed.Identifier, cfg.Seed.Password, cfg.Seed.MFAEnabled); err != nil {
		logger.Error("failed to seed demo account", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("seeded demo account",
		slog.String("identifier", cfg.Seed.Identifier),
		slog.Bool("mfa", cfg.Seed.MFAEnabled),
	)

	signingKey := cfg.Session.SigningKey
	if len(signingKey) == 0 {
		// Fresh key per process: cookies from earlier runs stop validating,
		// which matches the process-lifetime state model.
		signingKey, err = random.NewSigningKey()
		if err != nil {
			logger.Error("failed to generate signing key", slog.Any("error", err))
			os.Exit(1)
		}
	}
	cookies, err := session.NewCookieCodec(signingKey, cfg.Session.Lifetime)
	if err != nil {
		logger.Error("invalid session settings", slog.Any("error", err))
		os.Exit(1)
	}

	var (
		limiter    rate.Limiter
		resetStore token.ResetStore
		mfaStore   token.MFAStore
	)
	rateCfg := rate.Config{
		Window:    cfg.Rate.Window,
		BlockBase: cfg.Rate.BlockBase,
		BlockMax:  cfg.Rate.BlockMax,
	}
	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			logger.Error("failed to connect to Redis", slog.Any("error", err))
			os.Exit(1)
		}
		defer client.Close()
		logger.Info("connected to Redis", slog.String("addr", cfg.Redis.Addr))

		limiter = rate.NewRedisLimiter(client, rateCfg, cfg.Redis.Prefix)
		resetStore = token.NewRedisResetStore(client, cfg.Redis.Prefix)
		mfaStore = token.NewRedisMFAStore(client, cfg.Redis.Prefix)
	} else {
		limiter = rate.NewMemLimiter(rateCfg)
		resetStore = token.NewMemResetStore()
		mfaStore = token.NewMemMFAStore()
	}

	tokens := token.NewIssuer(resetStore, mfaStore, token.Config{
		TokenTTL:      cfg.Reset.TokenTTL,
		CodeDigits:    8,
		MFADigits:     cfg.MFA.CodeDigits,
		ChallengeTTL:  cfg.MFA.ChallengeTTL,
		MFAAttempts:   cfg.MFA.MaxAttempts,
		Deterministic: cfg.Demo.DeterministicCodes,
		DeriveKey:     signingKey,
	})

	// The audit stream doubles as the simulated delivery channel: issued
	// tokens and MFA codes show up in the log output.
	dispatcher := audit.NewDispatcher(
		audit.Config{Enabled: true, BufferSize: 256},
		audit.NewSlogSink(logger),
	)
	defer dispatcher.Close()

	srv := httpapi.New(cfg, httpapi.Deps{
		Creds:    creds,
		Sessions: session.NewMemStore(cfg.Session.Lifetime),
		Tokens:   tokens,
		Limiter:  limiter,
		Audit:    dispatcher,
		Cookies:  cookies,
		Logger:   logger,
	})

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("forced shutdown", slog.Any("error", err))
		}
	}()

	if err := srv.Start(); err != nil {
		// http.ErrServerClosed is the expected result of a clean shutdown.
		logger.Info("server stopped", slog.Any("reason", err))
	}
}

func setupLogging(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.IsProduction() {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
