// Command freshcached serves StudentStore resources through the freshness
// cache so storefront pages get an immediately renderable snapshot.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/studentstore/freshcache"
	"github.com/studentstore/freshcache/internal/events"
	"github.com/studentstore/freshcache/internal/logging"
	"github.com/studentstore/freshcache/internal/version"
)

func main() {
	configPath := flag.String("config", os.Getenv("FRESHCACHE_CONFIG"), "path to a YAML or JSON config file")
	flag.Parse()
	log := logging.Logger

	cfg := freshcache.DefaultConfig()
	if *configPath != "" {
		loaded, err := freshcache.LoadConfig(*configPath)
		if err != nil {
			log.Error("failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = *loaded
		log.Info("config loaded", "path", *configPath, "families", len(cfg.Families), "storage", cfg.Storage.Driver)
	} else {
		log.Info("no config given; using defaults", "families", len(cfg.Families))
	}
	if u := os.Getenv("FRESHCACHE_BACKEND_URL"); u != "" {
		cfg.Backend.BaseURL = u
	}
	if p := os.Getenv("PORT"); p != "" {
		cfg.Server.Addr = ":" + p
	}
	if err := freshcache.ValidateConfig(cfg); err != nil {
		log.Error("invalid config", "error", err)
		os.Exit(1)
	}

	store, err := freshcache.OpenStore(cfg.Storage)
	if err != nil {
		log.Error("failed to open storage", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	fetcher, err := freshcache.NewBackendFetcher(cfg.Backend)
	if err != nil {
		_ = store.Close()
		log.Error("failed to create backend client", "error", err)
		os.Exit(1)
	}
	loader, err := freshcache.New(cfg, store, fetcher)
	if err != nil {
		_ = store.Close()
		log.Error("failed to create loader", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus()
	stopWatch := loader.Watch(bus)

	var corsOrigins []string
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		corsOrigins = strings.Split(origins, ",")
	}

	handler := newRouter(loader, bus, routerConfig{
		AdminToken:      os.Getenv("FRESHCACHE_ADMIN_TOKEN"),
		CORSOrigins:     corsOrigins,
		InvalidateRate:  cfg.Server.InvalidateRate,
		InvalidateBurst: cfg.Server.InvalidateBurst,
	})
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Backend.Timeout.Std() + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", "error", err)
		}
	}()

	log.Info("freshcached listening", "version", version.Short(), "addr", cfg.Server.Addr, "backend", cfg.Backend.BaseURL)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server error", "error", err)
		stop()
		os.Exit(1) //nolint:gocritic
	}

	stopWatch()
	if err := loader.Close(); err != nil {
		log.Error("closing loader", "error", err)
	}
	log.Info("server stopped")
}
