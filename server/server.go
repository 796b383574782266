// Package server wires the hub together and exposes the HTTP and websocket
// surfaces.
package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/casspangell/drone-choir-app-sub000/cache"
	"github.com/casspangell/drone-choir-app-sub000/config"
	"github.com/casspangell/drone-choir-app-sub000/core/auth"
	"github.com/casspangell/drone-choir-app-sub000/core/choir"
	"github.com/casspangell/drone-choir-app-sub000/db"
	"github.com/casspangell/drone-choir-app-sub000/logger"
	"github.com/casspangell/drone-choir-app-sub000/model"
	"github.com/casspangell/drone-choir-app-sub000/repository"
	"github.com/casspangell/drone-choir-app-sub000/storage"
)

// Start initializes all backends and runs the hub until interrupted.
func Start() {
	cfg := config.Load()

	logger.Init(logger.Config{
		Level:      logger.LogLevel(cfg.LogLevel),
		OutputPath: cfg.LogPath,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	})

	if err := cache.ConnectRedis(cfg); err != nil {
		logger.Fatal("failed to connect to Redis", logger.ErrorField(err))
	}
	defer cache.CloseRedis()
	logger.Info("connected to Redis")

	// Audit persistence is optional: a missing database degrades to
	// log-only auditing, never blocks startup.
	var recorder choir.Recorder
	var sessionRepo repository.SessionRepository
	if cfg.DBHost != "" {
		if err := db.ConnectGormDB(cfg); err != nil {
			logger.Warn("audit database unavailable, continuing without persistence",
				logger.ErrorField(err))
		} else {
			defer db.CloseGormDB()
			if err := db.AutoMigrateModels(&model.SessionRecord{}, &model.HandoffEvent{}); err != nil {
				logger.Warn("audit migration failed", logger.ErrorField(err))
			} else {
				sessionRepo = repository.NewGormSessionRepository(db.GormDB)
				recorder = sessionRepo
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authSvc := auth.NewService(cfg.DirectorKeyHash, cfg.JWTSecret)
	stateCache := cache.NewVoiceStateCache()

	store := choir.NewStore(config.VoiceParts(), stateCache)
	store.Restore(ctx)

	hub := choir.NewHub()
	go hub.Run()
	defer hub.Stop()

	svc := choir.NewService(hub, store, authSvc.VerifyControllerToken, recorder)
	go svc.RunLivenessSweep(ctx)

	var clips *storage.ClipStore
	if cfg.MinioEndpoint != "" {
		var err error
		clips, err = storage.NewClipStore(cfg)
		if err != nil {
			logger.Warn("clip storage unavailable", logger.ErrorField(err))
		} else if cfg.ClipWatchDir != "" {
			ensureDirExists(cfg.ClipWatchDir)
			watcher := storage.NewWatcher(cfg.ClipWatchDir, clips, svc)
			go func() {
				if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Error("clip watcher stopped", logger.ErrorField(err))
				}
			}()
		}
	}

	router := mux.NewRouter()
	router.Use(corsMiddleware)

	voiceHandler := NewVoiceHandler(svc, authSvc, stateCache, sessionRepo)
	RegisterVoiceRoutes(router, voiceHandler)

	if clips != nil {
		clipHandler := NewClipHandler(clips, svc)
		RegisterClipRoutes(router, clipHandler)
	}

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("hub listening", logger.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", logger.ErrorField(err))
		}
	}()

	<-stop
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", logger.ErrorField(err))
	}
	logger.Info("server stopped")
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, HEAD")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func ensureDirExists(path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Info("creating directory", logger.String("path", path))
		if err := os.MkdirAll(path, 0755); err != nil {
			logger.Fatal("failed to create directory",
				logger.String("path", path),
				logger.ErrorField(err))
		}
	} else if err != nil {
		logger.Fatal("failed to check directory",
			logger.String("path", path),
			logger.ErrorField(err))
	}
}
