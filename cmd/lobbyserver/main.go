// cmd/lobbyserver/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hearthlobby/lobbyhub/internal/auth"
	"github.com/hearthlobby/lobbyhub/internal/config"
	"github.com/hearthlobby/lobbyhub/internal/hub"
	"github.com/hearthlobby/lobbyhub/internal/httpapi"
	"github.com/hearthlobby/lobbyhub/internal/lobby"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load(os.Getenv("LOBBYHUB_TUNING_FILE"))
	if err != nil {
		logger.WithError(err).Fatal("failed to load config")
	}

	if priv, pub := cfg.JWTPrivateKey, cfg.JWTPublicKey; priv != "" && pub != "" {
		if err := auth.InitFromPath(priv, pub); err != nil {
			logger.WithError(err).Fatal("failed to load jwt keys")
		}
	} else {
		logger.Warn("no JWT key paths configured; generating an ephemeral key pair")
		auth.Init()
	}

	validator := auth.NewJWTValidator()

	// Two-phase construction breaks the Engine<->Hub cycle: the Engine
	// exists first, the Hub is built against it, then the Hub is handed
	// back to the Engine as its Broadcaster.
	engine := lobby.NewEngine(validator, logger)
	eventHub := hub.New(engine, validator, cfg.Heartbeat, logger)
	engine.SetBroadcaster(eventHub)

	router := httpapi.NewRouter(engine, eventHub, logger)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server exited unexpectedly")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http server shutdown error")
	}
	if err := eventHub.Stop(); err != nil {
		logger.WithError(err).Warn("hub shutdown error")
	}
}
