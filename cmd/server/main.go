package main

import (
	"context"
	"crypto/subtle"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/mapaq-intel/sanirisk/internal/config"
	"github.com/mapaq-intel/sanirisk/internal/dataset"
	"github.com/mapaq-intel/sanirisk/internal/engine"
	"github.com/mapaq-intel/sanirisk/internal/handlers"
	"github.com/mapaq-intel/sanirisk/internal/metrics"
	"github.com/mapaq-intel/sanirisk/internal/regulation"
	"github.com/mapaq-intel/sanirisk/pkg/otel"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.Load()
	logger := initLogger()

	// Tracing is opt-in.
	if cfg.OTELEnabled {
		otelCfg := otel.DefaultConfig("sanirisk")
		otelCfg.CollectorEndpoint = cfg.OTELEndpoint
		tp, err := otel.InitTracer(context.Background(), otelCfg)
		if err != nil {
			logger.Warn("tracing disabled", "error", err)
		} else {
			defer otel.Shutdown(context.Background(), tp)
		}
	}

	// Regulation store backend.
	var store regulation.Store
	var err error
	switch cfg.RegulationBackend {
	case "file":
		store, err = regulation.NewFileStore(cfg.RegulationPath)
		if err != nil {
			// Temporal adjustment is best-effort: a corrupt configuration
			// degrades to an empty store instead of aborting startup.
			logger.Warn("regulation configuration unusable, starting with empty store",
				"path", cfg.RegulationPath, "error", err)
			store = regulation.NewEmptyFileStore(cfg.RegulationPath)
		}
	case "redis":
		store, err = regulation.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("Failed to create Redis regulation store: %v", err)
		}
	case "postgres":
		store, err = regulation.NewPostgresStore(cfg.PostgresConn)
		if err != nil {
			log.Fatalf("Failed to create Postgres regulation store: %v", err)
		}
	default:
		log.Fatalf("Unknown REGULATION_BACKEND: %s", cfg.RegulationBackend)
	}

	adapter, err := regulation.NewAdapter(store, logger)
	if err != nil {
		log.Fatalf("Failed to create regulation adapter: %v", err)
	}

	engCfg := engine.DefaultConfig()
	engCfg.PriorStrength = cfg.PriorStrength
	engCfg.TemporalAdjustment = cfg.TemporalAdjustment
	eng := engine.New(engCfg, adapter, logger)

	// Optional startup model/dataset: a saved model wins over recalibration.
	switch {
	case cfg.ModelPath != "":
		if err := eng.LoadModel(cfg.ModelPath); err != nil {
			log.Fatalf("Failed to load model %s: %v", cfg.ModelPath, err)
		}
	case cfg.DatasetPath != "":
		ds, err := dataset.LoadCSV(cfg.DatasetPath)
		if err != nil {
			log.Fatalf("Failed to load dataset %s: %v", cfg.DatasetPath, err)
		}
		result, err := eng.Calibrate(ds)
		if err != nil {
			log.Fatalf("Failed to calibrate: %v", err)
		}
		logger.Info("startup calibration complete",
			"samples", result.NumSamples, "accuracy", result.Accuracy)
	}

	m := metrics.New()
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit*2)
	h := handlers.New(eng, adapter, m, limiter, logger)

	router := h.Router()
	router.Handle("/metrics", metricsHandler(cfg)).Methods(http.MethodGet)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("server starting", "port", cfg.Port,
			"regulation_backend", cfg.RegulationBackend, "state", string(eng.State()))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := adapter.Close(); err != nil {
		logger.Error("error closing regulation store", "error", err)
	}
	logger.Info("server stopped")
}

// initLogger configures the global slog logger: JSON if LOG_FORMAT=json,
// text otherwise, level from LOG_LEVEL.
func initLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	logger := slog.New(handler).With("service", "sanirisk")
	slog.SetDefault(logger)
	return logger
}

// metricsHandler wraps promhttp with optional basic auth.
func metricsHandler(cfg *config.Config) http.Handler {
	prom := promhttp.Handler()
	if cfg.MetricsUser == "" {
		return prom
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(cfg.MetricsUser)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(cfg.MetricsPassword)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		prom.ServeHTTP(w, r)
	})
}
