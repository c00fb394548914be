package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/voicebridge/internal/config"
	internalhttp "github.com/xiaot623/gogo/voicebridge/internal/http"
	"github.com/xiaot623/gogo/voicebridge/internal/logging"
	"github.com/xiaot623/gogo/voicebridge/internal/registry"
	"github.com/xiaot623/gogo/voicebridge/internal/relay"
	"github.com/xiaot623/gogo/voicebridge/internal/store"
	"github.com/xiaot623/gogo/voicebridge/internal/telephony"
	"github.com/xiaot623/gogo/voicebridge/internal/turnlog"
	"github.com/xiaot623/gogo/voicebridge/internal/voiceai"
)

func main() {
	// Load configuration
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	logger.Info().
		Int("ws_port", cfg.WSPort).
		Int("http_port", cfg.HTTPPort).
		Str("evi_url", cfg.EVIURL).
		Msg("Starting voice bridge...")

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL, store.WithDefaultAgent(cfg.DefaultAgentID))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	// Conversation turns go to sqlite and, when configured, a redis stream
	turns := turnlog.Fanout{db}
	if cfg.RedisAddr != "" {
		publisher, err := turnlog.NewRedisPublisher(turnlog.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Stream:   cfg.RedisStream,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to redis")
		}
		defer publisher.Close()
		turns = append(turns, publisher)
		logger.Info().Str("stream", publisher.Stream()).Msg("Publishing turns to redis")
	}

	sessions := registry.New()

	dialer := &voiceai.Dialer{
		URL:             cfg.EVIURL,
		APIKey:          cfg.EVIAPIKey,
		DefaultConfigID: cfg.EVIConfigID,
		WriteTimeout:    cfg.WriteTimeout,
		Dialer:          websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout},
	}

	mediaServer := telephony.NewServer(telephony.ServerConfig{
		LookupTimeout:  cfg.LookupTimeout,
		PingInterval:   cfg.PingInterval,
		WriteTimeout:   cfg.WriteTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		MaxMessageSize: cfg.MaxMessageSize,
		Relay: relay.Options{
			ConnectTimeout:    cfg.ConnectTimeout,
			RetryBaseDelay:    cfg.RetryBaseDelay,
			RetryMaxDelay:     cfg.RetryMaxDelay,
			RetryMaxAttempts:  cfg.RetryMaxAttempts,
			InboundQueueSize:  cfg.InboundQueueSize,
			OutboundQueueSize: cfg.OutboundQueueSize,
			QueuePushTimeout:  cfg.QueuePushTimeout,
			TurnFlushTimeout:  cfg.TurnFlushTimeout,
		},
	}, sessions, db, relay.Deps{
		Connector: relay.EVIConnector(dialer),
		Turns:     turns,
		Calls:     db,
	}, logging.Component(logger, "relay"))

	// Create media-stream Echo server
	wsEcho := echo.New()
	wsEcho.HideBanner = true
	wsEcho.HidePort = true
	wsEcho.Use(middleware.Logger())
	wsEcho.Use(middleware.Recover())
	wsEcho.GET("/media-stream", mediaServer.HandleMediaStream)
	wsEcho.GET("/media-stream/:call_sid", mediaServer.HandleMediaStream)

	// Initialize internal HTTP server
	httpServer := internalhttp.NewServer(sessions)

	// Start media-stream server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.WSPort)
		if err := wsEcho.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Failed to start media-stream server")
		}
	}()

	// Start internal HTTP server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	logger.Info().Msg("Voice bridge started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Int("active_sessions", sessions.Count()).Msg("Shutting down voice bridge...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := wsEcho.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Failed to shutdown media-stream server gracefully")
	}
	if err := mediaServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Sessions did not finish before shutdown deadline")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Failed to shutdown HTTP server gracefully")
	}

	logger.Info().Msg("Voice bridge stopped")
}
