package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collab-sync-server/internal/calculation"
	"collab-sync-server/internal/config"
	"collab-sync-server/internal/handler"
	"collab-sync-server/internal/relay"
	"collab-sync-server/internal/repository"
	"collab-sync-server/internal/service"
	"collab-sync-server/internal/websocket"
	"collab-sync-server/pkg/logger"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New("info", false)
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Pretty)

	client, err := kivik.New("couch", cfg.Database.URL())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to CouchDB")
	}

	exists, err := client.DBExists(context.Background(), cfg.Database.Name)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to check database existence")
	}

	if !exists {
		if err := client.CreateDB(context.Background(), cfg.Database.Name); err != nil {
			log.Fatal().Err(err).Msg("failed to create database")
		}
		log.Info().Str("db", cfg.Database.Name).Msg("created database")
	}

	snapshotRepo := repository.NewSnapshotRepository(client, cfg.Database.Name)

	opts := service.Options{
		AwarenessTimeout: cfg.Sync.AwarenessTimeout,
		PersistInterval:  cfg.Sync.PersistInterval,
		Policy: calculation.Policy{
			CheckboxUncheckedIsEmpty: cfg.Calculation.CheckboxUncheckedIsEmpty,
		},
		Logger: log,
	}

	if cfg.Redis.RelayEnabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("failed to connect to Redis")
		}
		opts.Bus = relay.NewRedisPubSub(rdb, relay.WithBusLogger(log))
		log.Info().Str("addr", cfg.Redis.Addr).Msg("cross-instance fan-out enabled")
	}

	documentService := service.NewDocumentService(snapshotRepo, opts)

	wsManager := websocket.NewManager(websocket.ManagerOptions{
		MaxConnPerUser: cfg.WebSocket.MaxConnPerUser,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		WriteWait:      cfg.WebSocket.WriteWait,
		PongWait:       cfg.WebSocket.PongWait,
		PingPeriod:     cfg.WebSocket.PingPeriod,
		Logger:         log,
	})
	wsManager.SetMessageHandler(documentService)

	ctx, stop := context.WithCancel(context.Background())
	managerDone := make(chan struct{})
	go func() {
		wsManager.Run(ctx)
		close(managerDone)
	}()
	serviceDone := make(chan struct{})
	go func() {
		documentService.Run(ctx)
		close(serviceDone)
	}()

	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler.NewRouter(cfg, documentService, wsManager, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Server.Env).Msg("starting collab sync server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	stop()
	<-managerDone
	<-serviceDone

	log.Info().Msg("server stopped gracefully")
}
