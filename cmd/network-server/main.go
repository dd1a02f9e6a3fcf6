package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-net/mac-server/internal/appclient"
	"github.com/lorawan-net/mac-server/internal/config"
	"github.com/lorawan-net/mac-server/internal/downlink"
	"github.com/lorawan-net/mac-server/internal/frame"
	"github.com/lorawan-net/mac-server/internal/join"
	"github.com/lorawan-net/mac-server/internal/mac"
	"github.com/lorawan-net/mac-server/internal/registry"
	"github.com/lorawan-net/mac-server/internal/server"
)

func main() {
	configPath := flag.String("config", "config/network-server.yml", "path to configuration file")
	showConfig := flag.Bool("show-config", false, "print the loaded configuration and exit")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("invalid log level, defaulting to info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if *showConfig {
		cfg.PrintConfigSummary()
		return
	}

	log.Info().Str("config_path", *configPath).Msg("network-server starting")

	backing, err := registry.NewPostgresRegistry(cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect registry database")
	}
	defer backing.Close()

	reg := registry.NewCachedRegistry(backing, cfg.Redis.Addr, cfg.Redis.TTL)

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects))
	if err != nil {
		log.Fatal().Err(err).Msg("connect nats")
	}
	defer nc.Close()

	netID, err := parseNetID(cfg.Network.NetID)
	if err != nil {
		log.Fatal().Err(err).Str("net_id", cfg.Network.NetID).Msg("parse net_id")
	}

	appHandler := appclient.NewClient(nc, cfg.NATS.RequestTimeout)

	joinEng := join.NewEngine(reg, join.Config{
		NetID:              netID,
		RxDelay:            uint8(cfg.Network.JoinDelay1.Seconds()),
		RX2DataRate:        cfg.Network.RX2DataRate,
		MaxDevAddrAttempts: cfg.Network.DevAddrMaxAttempts,
	}, appHandler)

	macH := mac.NewHandler(mac.ADRConfig{
		MinDataRate: cfg.Network.ADR.MinDataRate,
		MaxDataRate: cfg.Network.ADR.MaxDataRate,
		MinTxPower:  cfg.Network.ADR.MinTxPower,
		MaxTxPower:  cfg.Network.ADR.MaxTxPower,
		TargetSNR:   cfg.Network.ADR.TargetSNR,
		MarginSNR:   cfg.Network.ADR.MarginSNR,
		HistorySize: cfg.Network.ADR.HistorySize,
	})

	planner := downlink.NewPlanner(reg, appHandler, downlink.Config{
		RxDelay2:      uint8(cfg.Network.RxDelay2.Seconds()),
		RX2Frequency:  cfg.Network.RX2Frequency,
		RX2DataRate:   cfg.Network.RX2DataRate,
		RX2CodingRate: cfg.Network.RX2CodingRate,
	})

	proc := frame.NewProcessor(reg, joinEng, macH, planner, frame.Config{MaxFCntGap: cfg.Network.MaxFCntGap})
	dispatcher := server.NewGatewayDispatcher(nc, proc, cfg.Network.RxDelay2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := dispatcher.Start(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("gateway dispatcher stopped")
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
		log.Info().Msg("context cancelled, shutting down")
	}

	cancel()
	log.Info().Msg("network-server stopped")
}

func parseNetID(s string) ([3]byte, error) {
	var id [3]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 3 {
		return id, fmt.Errorf("net_id must be a 6-character hex string, got %q", s)
	}
	copy(id[:], raw)
	return id, nil
}
