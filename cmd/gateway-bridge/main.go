package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-net/mac-server/internal/config"
	"github.com/lorawan-net/mac-server/internal/gateway"
)

func main() {
	configFile := flag.String("config", "config/gateway-bridge.yml", "path to configuration file")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().Msg("gateway-bridge starting")

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("lorawan-gateway-bridge"),
		nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("connect nats")
	}
	defer nc.Close()

	bridge, err := gateway.NewBridge(cfg.Gateway.UDPBind, nc, cfg.Gateway.PullAddrTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("start udp listener")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := bridge.Start(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("gateway bridge stopped")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	cancel()
	log.Info().Msg("gateway-bridge stopped")
}
