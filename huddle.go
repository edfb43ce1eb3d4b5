package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/maxpert/huddle/admin"
	"github.com/maxpert/huddle/cfg"
	"github.com/maxpert/huddle/channel"
	"github.com/maxpert/huddle/encoding"
	"github.com/maxpert/huddle/member"
	"github.com/maxpert/huddle/membership"
	"github.com/maxpert/huddle/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("unique_id", cfg.Config.UniqueID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Huddle - cluster membership and group communication")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	ch, err := channel.New(mustChannelConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create channel")
		return
	}

	ch.AddMembershipListener(&membership.ListenerFuncs{
		Added: func(m *member.Member) {
			log.Info().Str("member", m.String()).Int("members", ch.MemberCount()).Msg("Member joined")
		},
		Removed: func(m *member.Member) {
			log.Info().Str("member", m.String()).Int("members", ch.MemberCount()).Msg("Member left")
		},
	})
	ch.AddMessageListener(channel.MessageListenerFunc(func(r *channel.Received) {
		log.Debug().
			Str("message", r.ID).
			Str("source", r.Source.String()).
			Int("bytes", len(r.Payload)).
			Msg("Message received")
	}))

	ctx := context.Background()
	services := channel.DefaultServices(cfg.Config)
	if err := ch.Start(ctx, services); err != nil {
		log.Fatal().Err(err).Str("services", services.String()).Msg("Failed to start channel")
		return
	}

	collector := telemetry.NewMembershipCollector(map[string]telemetry.MemberCounter{
		string(cfg.Config.Membership.Provider): ch,
	}, 5*time.Second)
	collector.Start()

	var adminServer *http.Server
	if cfg.Config.Admin.Enabled {
		adminServer = startAdminServer(ch)
	}

	log.Info().
		Str("local", ch.LocalMember().String()).
		Str("provider", string(cfg.Config.Membership.Provider)).
		Str("services", ch.Services().String()).
		Msg("Node is operational")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down admin server")
		}
	}
	collector.Stop()
	if err := ch.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to close channel cleanly")
	}
	log.Info().Msg("Stopped")
}

func mustChannelConfig() channel.Config {
	config, err := channel.ConfigFrom(cfg.Config, encoding.NewRegistry(), nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build channel configuration")
	}
	return config
}

func startAdminServer(ch *channel.Channel) *http.Server {
	mux := http.NewServeMux()
	admin.RegisterRoutes(mux, admin.NewAdminHandlers(ch, cfg.Config.Admin.Secret))
	admin.RegisterMetrics(mux, telemetry.GetMetricsHandler())

	addr := net.JoinHostPort(cfg.Config.Admin.Address, strconv.Itoa(cfg.Config.Admin.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("address", addr).Msg("Starting admin server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
	return server
}
