package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bigredctf/instancer/pkg/config"
	"github.com/bigredctf/instancer/pkg/httpapi"
	"github.com/bigredctf/instancer/pkg/identity"
	"github.com/bigredctf/instancer/pkg/lifecycle"
	"github.com/bigredctf/instancer/pkg/names"
	"github.com/bigredctf/instancer/pkg/observe"
	"github.com/bigredctf/instancer/pkg/provider"
	"github.com/bigredctf/instancer/pkg/registry"
)

func main() {
	cfg := config.Load()

	level := slog.LevelInfo
	if strings.EqualFold(cfg.LogLevel, "debug") {
		level = slog.LevelDebug
	}
	slogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	logger := observe.NewSlogAdapterWith(slogger)
	slogger.Info("Starting instancer", "port", cfg.Port,
		"registry", cfg.RegistryBackend, "provider", cfg.ProviderBackend)

	metrics := observe.NewPrometheusMetrics()

	var reg registry.Registry
	switch cfg.RegistryBackend {
	case "redis":
		r, err := registry.NewRedisRegistry(cfg.RedisAddr, cfg.RedisDB, cfg.RedisPassword)
		if err != nil {
			slogger.Error("Failed to connect to redis", "error", err)
			os.Exit(1)
		}
		reg = r
	case "memory":
		reg = registry.NewMemoryRegistry()
	default:
		slogger.Error("Unknown registry backend", "backend", cfg.RegistryBackend)
		os.Exit(1)
	}

	var prov provider.Client
	switch cfg.ProviderBackend {
	case "docker":
		var auth *provider.RegistryAuth
		if cfg.RegistryServer != "" {
			auth = &provider.RegistryAuth{
				Server:   cfg.RegistryServer,
				Username: cfg.RegistryUsername,
				Password: cfg.RegistryPassword,
			}
		}
		d, err := provider.NewDockerClient(cfg.DockerHost, auth)
		if err != nil {
			slogger.Error("Failed to connect to docker", "error", err)
			os.Exit(1)
		}
		prov = d
	case "fake":
		slogger.Warn("Using fake provider, containers will not actually run")
		prov = provider.NewFakeClient()
	default:
		slogger.Error("Unknown provider backend", "backend", cfg.ProviderBackend)
		os.Exit(1)
	}

	catalog, err := config.LoadCatalog(cfg.ChallengesPath)
	if err != nil {
		slogger.Error("Failed to load challenge catalog", "error", err)
		os.Exit(1)
	}
	slogger.Info("Loaded challenge catalog", "challenges", len(catalog))

	var verifier identity.Verifier
	store, err := identity.NewSQLiteStore(cfg.UsersDBPath, logger)
	if err != nil {
		slogger.Error("Failed to open credential store", "error", err, "path", cfg.UsersDBPath)
		os.Exit(1)
	}
	defer store.Close()
	verifier = store

	secret := []byte(cfg.SessionSecret)
	if len(secret) == 0 {
		// Dev fallback. Sessions die with the process, which is the point.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			slogger.Error("Failed to generate session secret", "error", err)
			os.Exit(1)
		}
		secret = []byte(hex.EncodeToString(buf))
		slogger.Warn("SESSION_SECRET not set, generated an ephemeral one")
	}
	sessions, err := httpapi.NewSessions(secret, cfg.InstanceTTL)
	if err != nil {
		slogger.Error("Failed to initialize sessions", "error", err)
		os.Exit(1)
	}

	gen := names.New(cfg.DomainSuffix)
	if cfg.NamePrefix != "" {
		gen.Prefix = cfg.NamePrefix
	}

	manager := lifecycle.New(lifecycle.Config{
		Registry:   reg,
		Provider:   prov,
		Names:      gen,
		Catalog:    catalog,
		TTL:        cfg.InstanceTTL,
		MaxActive:  cfg.MaxActive,
		WarnActive: cfg.WarnActive,
		Metrics:    metrics,
		Logger:     logger,
	})

	api := httpapi.NewServer(manager, verifier, sessions, logger, metrics)
	api.MetricsHandler = metrics.Handler()
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	sweeper := lifecycle.NewSweeper(manager, cfg.SweepInterval)
	group.Go(func() error {
		err := sweeper.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	group.Go(func() error {
		slogger.Info("Listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		slogger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		slogger.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
	slogger.Info("Server exited")
}
