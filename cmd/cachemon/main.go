package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/aprovafacil/cachemon"
	"github.com/aprovafacil/cachemon/api"
	"github.com/aprovafacil/cachemon/cache"
	"github.com/aprovafacil/cachemon/config"
	"github.com/aprovafacil/cachemon/graph"
	"github.com/aprovafacil/cachemon/logging"
	"github.com/aprovafacil/cachemon/monitoring"
	"github.com/aprovafacil/cachemon/store"
	"github.com/aprovafacil/cachemon/utils"
)

func setupStores(cfg config.StoresConfig, sugar *zap.SugaredLogger) (map[cache.BackendKind]store.Store, error) {
	stores := map[cache.BackendKind]store.Store{
		cache.BackendMemory:  store.NewMemoryStore(cfg.MemoryMaxBytes),
		cache.BackendSession: store.NewMemoryStore(cfg.SessionMaxBytes),
	}

	if cfg.LocalPath != "" {
		local, err := store.OpenBadgerStore(cfg.LocalPath)
		if err != nil {
			return nil, err
		}
		stores[cache.BackendLocal] = local
		sugar.Infow("Local store enabled", "path", cfg.LocalPath)
	}

	if cfg.ValkeyEndpoint != "" {
		valkeyClient, err := valkey.NewClient(valkey.ClientOption{
			InitAddress: []string{cfg.ValkeyEndpoint},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Valkey client: %w", err)
		}
		stores[cache.BackendRemote] = store.NewValkeyStore(valkeyClient, "cachemon:")
		sugar.Infow("Remote store enabled", "endpoint", cfg.ValkeyEndpoint)
	}
	return stores, nil
}

func main() {
	configPath := flag.String("config", "", "path or URL of the config file")
	flag.Parse()

	bootstrap := utils.Must(zap.NewProduction())
	cfg, err := config.Load(*configPath, bootstrap.Sugar())
	if err != nil {
		bootstrap.Sugar().Fatalw("Failed to load config", "error", err)
	}
	_ = bootstrap.Sync()

	logger, level, err := logging.NewLogger(cfg.Log)
	if err != nil {
		bootstrap.Sugar().Fatalw("Failed to build logger", "error", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if cfg.Tracing.IsEnabled() {
		provider, err := monitoring.NewTracerProvider(context.Background(), cfg.Tracing, sugar)
		if err != nil {
			sugar.Fatalw("Failed to set up tracing", "error", err)
		}
		defer func() {
			if err := monitoring.ShutdownTracerProvider(provider, 5*time.Second); err != nil {
				sugar.Errorw("Failed to shut down tracing", "error", err)
			}
		}()
	}

	serviceOpts := []cachemon.Option{cachemon.WithLogger(sugar), cachemon.WithLevel(level)}
	if cfg.OTelMetrics.IsEnabled() {
		provider, err := monitoring.NewMeterProvider(context.Background(), cfg.OTelMetrics, sugar)
		if err != nil {
			sugar.Fatalw("Failed to set up OpenTelemetry metrics", "error", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(ctx); err != nil {
				sugar.Errorw("Failed to shut down meter provider", "error", err)
			}
		}()
		serviceOpts = append(serviceOpts, cachemon.WithMeter(provider.Meter("cachemon")))
	}

	stores, err := setupStores(cfg.Stores, sugar)
	if err != nil {
		sugar.Fatalw("Failed to set up cache stores", "error", err)
	}
	raw := cache.NewMultiBackend(stores, sugar,
		cache.WithTracker(graph.NewTracker()),
		cache.WithDefaultTTL(cfg.Stores.DefaultTTL),
		cache.WithInvalidationDepth(cfg.Graph.InvalidationDepth),
	)
	defer raw.Close()

	service, err := cachemon.New(*cfg, raw, serviceOpts...)
	if err != nil {
		sugar.Fatalw("Failed to create cache monitoring service", "error", err)
	}
	defer service.Close()
	cachemon.SetDefault(service)

	router := mux.NewRouter()
	api.NewCacheAPI(service, sugar).RegisterRoutes(router)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		Debug:          false,
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: corsMiddleware.Handler(router),
	}

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-shutdownSignal
		sugar.Infow("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			sugar.Errorw("Server forced to shutdown", "error", err)
		}
	}()

	sugar.Infow("Starting server",
		"address", httpServer.Addr,
		"backends", len(stores),
		"sampling_strategy", cfg.Monitoring.Sampling.Strategy,
	)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		sugar.Fatalw("Failed to start server", "error", err)
	}
	sugar.Infow("Server stopped")
}
