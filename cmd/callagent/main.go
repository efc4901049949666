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

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-calls/config"
	"github.com/mossy-p/webrtc-calls/internal/channel"
	"github.com/mossy-p/webrtc-calls/internal/channel/memory"
	"github.com/mossy-p/webrtc-calls/internal/engine"
	"github.com/mossy-p/webrtc-calls/internal/handlers"
	"github.com/mossy-p/webrtc-calls/internal/logger"
	"github.com/mossy-p/webrtc-calls/internal/redis"
	"github.com/mossy-p/webrtc-calls/internal/registry"
	"github.com/mossy-p/webrtc-calls/internal/relay"
	"github.com/rs/zerolog"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ch, closeChannel, err := openChannel(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.SignalBackend).Msg("Failed to open signal channel")
	}
	defer closeChannel()

	engines, err := engine.NewPionFactory(engine.PionOptions{
		ICE: cfg.ICE,
		Log: logger.Component(log, "engine"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up WebRTC")
	}

	reg := registry.New(ch, logger.Component(log, "registry"))
	hub := handlers.NewHub(context.Background(), handlers.HubConfig{
		Registry: reg,
		Relay:    relay.New(ch, logger.Component(log, "relay")),
		Engines:  engines,
		Logger:   log,
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handlers.RouterConfig{
		Hub:            hub,
		Calls:          reg,
		JWTSecret:      cfg.JWTSecret,
		TokenTTL:       cfg.TokenTTL,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger.Component(log, "http"),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("backend", cfg.SignalBackend).Msg("Starting call agent")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	// Ends every active call before the channel goes away.
	hub.Close()
}

func openChannel(ctx context.Context, cfg *config.Config, log zerolog.Logger) (channel.Channel, func(), error) {
	switch cfg.SignalBackend {
	case config.BackendMemory:
		log.Warn().Msg("Using in-memory signal channel, calls only work within this process")
		return memory.New(), func() {}, nil
	default:
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("addr", cfg.RedisAddr()).Msg("Redis connection established")

		ch := redis.NewChannel(client, cfg.Redis.Prefix, cfg.CallTTL, logger.Component(log, "redis"))
		return ch, func() {
			if err := client.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close Redis client")
			}
		}, nil
	}
}
