package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"collabroom/internal/api"
	"collabroom/internal/auth"
	"collabroom/internal/collab"
	"collabroom/internal/config"
	"collabroom/internal/document"
	"collabroom/internal/jobs"
	"collabroom/internal/relay"
	"collabroom/internal/routers"
	"collabroom/internal/session"
	"collabroom/internal/store"
	"collabroom/internal/utils"
	"collabroom/internal/worker"
)

const (
	shutdownTimeout = 10 * time.Second
	taskTimeout     = 10 * time.Second
	taskQueueSize   = 1000
)

var (
	listenAndServe = func(srv *http.Server) error { return srv.ListenAndServe() }
	exitFunc       = defaultExit
	exit           = os.Exit
)

func main() {
	if err := run(context.Background()); err != nil {
		exitFunc(err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := utils.NewLogger(cfg.Environment)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	var repo *store.Repository
	if cfg.DatabaseURL != "" {
		db, err := store.Open(cfg.DatabaseURL)
		if err != nil {
			logger.Error("database unavailable, documents will not be stored", zap.Error(err))
		} else {
			repo = &store.Repository{DB: db}
		}
	}

	var rdb *redis.Client
	var cache *store.DocumentCache
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis unavailable, cache and presence relay disabled", zap.String("addr", cfg.RedisAddr), zap.Error(err))
			_ = rdb.Close()
			rdb = nil
		} else {
			defer rdb.Close()
			cache = store.NewDocumentCache(rdb, cfg.DocCacheTTL)
		}
	}

	svc := store.NewService(repo, cache, logger)
	pool := worker.NewPool(cfg.PersistWorkers, taskQueueSize, taskTimeout, logger)

	hub := session.NewHub(logger, collab.NewHandler(logger), session.Options{
		Loader:       svc.LoadInitialDocument,
		HistoryLimit: cfg.HistoryLimit,
		OnDestroy: func(roomID string, snap document.Snapshot, done func()) {
			pool.Submit("persist_document", func(ctx context.Context) error {
				if err := svc.PersistDocument(ctx, roomID, snap.Content, snap.Revision); err != nil {
					return err
				}
				done()
				return nil
			})
		},
	})

	handlers := api.NewHandlers(logger, hub, auth.NewJWTAuthenticator(cfg.JWTSecret), svc, pool, api.Settings{
		AuthTimeout:      cfg.AuthTimeout,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		SendBuffer:       cfg.SendBuffer,
		RateLimit:        cfg.RateLimit,
		RateBurst:        cfg.RateBurst,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if rdb != nil {
		rel := relay.New(rdb, logger)
		if err := rel.Subscribe(ctx, hub); err != nil {
			logger.Warn("presence relay disabled", zap.Error(err))
		} else {
			handlers.SetRelay(rel)
		}
	}

	flusher := jobs.NewDocumentFlusher(hub, svc, cfg.FlushSchedule, logger)
	if err := flusher.Start(); err != nil {
		pool.Shutdown()
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           routers.New(handlers, cfg.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- listenAndServe(srv) }()
	logger.Info("collab server listening", zap.String("addr", srv.Addr), zap.String("env", cfg.Environment))

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case serveErr = <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	case <-sigCtx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown incomplete", zap.Error(err))
		}
		cancelShutdown()
	}

	drain(hub)
	flusher.Stop()
	if _, err := flusher.FlushOnce(context.Background()); err != nil {
		logger.Warn("final document flush incomplete", zap.Error(err))
	}
	pool.Shutdown()
	return serveErr
}

// drain closes every connection and gives their rooms a moment to be torn
// down, so destroyed rooms queue their final persist before the pool stops.
func drain(hub *session.Hub) {
	hub.CloseAll()
	deadline := time.Now().Add(2 * time.Second)
	for len(hub.Rooms()) > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
}

func defaultExit(err error) {
	log.Printf("collab server failed: %v", err)
	exit(1)
}
