// Command fenrird is the exchange process: it loads configuration, opens
// the durability coordinator, recovers open orders, and serves the wire
// protocol.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"fenrir/internal/config"
	"fenrir/internal/durability"
	"fenrir/internal/logging"
	"fenrir/internal/net"
	"fenrir/internal/registry"
)

func main() {
	configPath := flag.String("config", "configs/fenrird.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, err := durability.NewPostgres(ctx, cfg.Store.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open durable store")
	}
	defer store.Close()

	reg := registry.New(store, cfg.Matcher.RetryBound)
	if err := reg.Recover(ctx); err != nil {
		log.Fatal().Err(err).Msg("recovery from durable store failed")
	}
	log.Info().Int("instruments", len(reg.Instruments())).Msg("recovery complete")

	srv := net.New(cfg.Server.Address, cfg.Server.Port, reg, cfg.Server.WorkerPool)
	go srv.Run(ctx)

	<-ctx.Done()
}
