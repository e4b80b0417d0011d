// Legal chat backend server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mashvarat/legalchat/internal/api"
	"github.com/mashvarat/legalchat/internal/config"
	"github.com/mashvarat/legalchat/internal/conversation"
	"github.com/mashvarat/legalchat/internal/dispatch"
	"github.com/mashvarat/legalchat/internal/identity"
	"github.com/mashvarat/legalchat/internal/jobs"
	"github.com/mashvarat/legalchat/internal/lock"
	"github.com/mashvarat/legalchat/internal/middleware"
	"github.com/mashvarat/legalchat/internal/poller"
	"github.com/mashvarat/legalchat/internal/store"
	"github.com/mashvarat/legalchat/internal/watch"
	"github.com/mashvarat/legalchat/internal/worker"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "worker_transport", cfg.Worker.Transport)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage.
	repo, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return err
	}
	slog.Info("Database connected", "postgres", cfg.DatabaseURL != "")

	// Worker transport.
	var (
		w     worker.Dispatcher
		probe worker.Pinger
	)
	switch cfg.Worker.Transport {
	case config.TransportGRPC:
		gc, err := worker.NewGrpcClient(worker.DefaultGrpcClientConfig(cfg.Worker.GRPCAddr), logger)
		if err != nil {
			return err
		}
		w, probe = gc, gc
	default:
		w = worker.NewHTTPClient(cfg.Worker.URL, cfg.Worker.ProjectID, cfg.Worker.APIKey)
	}
	defer w.Close()

	var transcriber *worker.Transcriber
	if cfg.Worker.VoiceURL != "" {
		transcriber = worker.NewTranscriber(cfg.Worker.VoiceURL, cfg.Worker.ProjectID, cfg.Worker.APIKey, cfg.Worker.VoiceTimeout)
	} else {
		slog.Info("Voice transcription disabled (VOICE_URL not set)")
	}

	// Per-user locks. Redis when several instances share one database.
	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisURL != "" {
		rl, err := lock.NewRedisFromURL(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rl.Close()
		locker = rl
		slog.Info("Using Redis session locks")
	}

	var verifier identity.Verifier = identity.DevVerifier{}
	if cfg.Auth.Mode == config.AuthModeClerk {
		cv, err := identity.NewClerkVerifier(nil, cfg.Auth.JWKSURL, cfg.Auth.Issuer, cfg.Auth.JWTSecret)
		if err != nil {
			return err
		}
		verifier = cv
	} else {
		slog.Warn("AUTH_MODE=dev: bearer tokens are trusted as user IDs")
	}

	// Services.
	conv := conversation.NewService(repo, locker)
	disp := dispatch.NewService(repo, w, cfg.Worker.DispatchTimeout)

	hub := watch.NewHub()
	conv.OnSessionSwitch(hub.CloseOthers)
	watchHandler := watch.NewHandler(conv, hub, poller.Config{
		Interval:    cfg.Poll.WatchInterval,
		MaxAttempts: cfg.Poll.MaxAttempts,
	}, cfg.FrontendURL, cfg.IsDevelopment())

	limiter := middleware.NewRateLimiter(cfg.RateLimit.PerMinute)

	expirer := jobs.NewQueryExpirer(repo, cfg.Jobs.ExpirySweepInterval, cfg.QueryExpiry())
	resetter, err := jobs.NewUsageResetter(repo, cfg.Jobs.UsageResetCron)
	if err != nil {
		return err
	}

	router := api.NewRouter(api.RouterConfig{
		Repo:                repo,
		Conversation:        conv,
		Dispatch:            disp,
		Verifier:            verifier,
		Transcriber:         transcriber,
		WorkerProbe:         probe,
		Watch:               watchHandler,
		RateLimiter:         limiter,
		AllowedOrigins:      cfg.AllowedOrigins(),
		MaxBodySize:         cfg.MaxBodySize,
		FormsBearerToken:    cfg.Forms.BearerToken,
		FormHosts:           cfg.FormHosts(),
		FormDownloadTimeout: cfg.Forms.DownloadTimeout,
		AccessLog:           true,
	})

	// Dispatch holds the request open for up to the worker timeout, so the
	// write timeout is left off like the websocket route needs anyway.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return expirer.Run(gctx) })
	g.Go(func() error { return resetter.Run(gctx) })
	g.Go(func() error {
		limiter.RunEviction(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		hub.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
			return err
		}
		return nil
	})

	return g.Wait()
}
