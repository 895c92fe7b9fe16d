package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"coolvibeclub/internal/config"
	"coolvibeclub/internal/db"
	clog "coolvibeclub/internal/log"
	"coolvibeclub/internal/server"
	"coolvibeclub/internal/store"
	"coolvibeclub/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func main() {
	// main 函数负责加载配置、初始化日志、选择存储并启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.Store).Msg("store")
	}

	hub := ws.NewHub()
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.SetupRouter(cfg, st, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("store", cfg.Store).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	log.Info().Msg("server stopped")
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.Store == "memory" {
		log.Warn().Msg("using in-memory store, data is lost on restart")
		return store.NewMemory(), nil
	}
	gdb, err := db.Connect(ctx, cfg.DatabaseDSN, db.DefaultOptions)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, gdb); err != nil {
		return nil, err
	}
	return store.NewGorm(gdb), nil
}
