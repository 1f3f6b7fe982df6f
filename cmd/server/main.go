package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/codecollab/backend/internal/api"
	"github.com/codecollab/backend/internal/config"
	"github.com/codecollab/backend/internal/db"
	"github.com/codecollab/backend/internal/room"
	"github.com/codecollab/backend/internal/session"
	"github.com/codecollab/backend/internal/ws"
)

func main() {
	cfg := config.Load()

	logger := newLogger(cfg.Development)
	defer logger.Sync()

	database, err := db.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal("database init failed", zap.Error(err))
	}
	defer database.Close()

	registry := room.NewRegistry(database, logger)
	hub := ws.NewHub(logger)
	sessions := session.New(registry, database, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	apiHandler := api.New(hub, database, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, sessions, cfg, logger, w, r)
	})
	mux.HandleFunc("/health", apiHandler.HealthHandler)
	mux.HandleFunc("/api/stats", apiHandler.StatsHandler)
	mux.HandleFunc("/api/rooms", apiHandler.RoomsRouter)
	mux.HandleFunc("/api/rooms/", apiHandler.RoomsRouter)
	mux.HandleFunc("/api/snapshots", apiHandler.SnapshotsRouter)
	mux.HandleFunc("/api/snapshots/", apiHandler.SnapshotsRouter)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: corsMiddleware(cfg.CORSOrigin, mux),
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("server starting",
		zap.String("port", cfg.Port),
		zap.String("database", cfg.DBPath))

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("listen failed", zap.Error(err))
	}
}

func newLogger(development bool) *zap.Logger {
	zapCfg := zap.NewProductionConfig()
	if development {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := zapCfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

func corsMiddleware(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
