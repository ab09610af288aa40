package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lovable-ai/lovable-chat/internal/api"
	"github.com/lovable-ai/lovable-chat/internal/config"
	"github.com/lovable-ai/lovable-chat/internal/core"
	"github.com/lovable-ai/lovable-chat/internal/logging"
	"github.com/lovable-ai/lovable-chat/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logging.Init(cfg.Env, cfg.LogLevel)

	// The connection manager dials lazily, so startup does not require a
	// reachable database.
	mgr := store.NewManager(cfg.MongoURI)
	st := store.NewStore(mgr, cfg.MongoDB)

	idxCtx, idxCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := st.EnsureIndexes(idxCtx); err != nil {
		log.Warn().Err(err).Msg("could not ensure indexes, continuing anyway")
	}
	idxCancel()

	gateway, err := core.NewGateway(context.Background(), cfg.GeminiAPIKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize AI gateway")
	}
	defer gateway.Close()

	accounts := core.NewAccountService(st, cfg.JWTSecret)
	chat := core.NewChatService(gateway, st)

	handler := api.NewHandler(accounts, chat, gateway, st, cfg.JWTSecret)
	router := api.NewRouter(handler, cfg.Env)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // model calls can take time
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	// Let in-flight conversation writes finish before dropping the
	// database connection.
	chat.Drain()
	if err := mgr.Close(ctx); err != nil {
		log.Error().Err(err).Msg("error closing database connection")
	}

	log.Info().Msg("server exited gracefully")
}
