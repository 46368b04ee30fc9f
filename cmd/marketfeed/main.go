package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketfeed/internal/book"
	"marketfeed/internal/config"
	"marketfeed/internal/logging"
	"marketfeed/internal/model"
	"marketfeed/internal/provider"
	"marketfeed/internal/venue/bitmex"
)

func main() {
	log := logging.Get()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("error loading .env file")
	}

	cli, err := config.ParseCLI(os.Args[1:])
	if err != nil {
		config.FatalUsage(err)
	}

	runtimeCfg, err := config.LoadRuntimeConfig(cli.RuntimeConfig)
	if err != nil {
		log.WithError(err).Error("failed to load runtime config")
		os.Exit(1)
	}

	if err := log.Configure(runtimeCfg.Logging.Level, runtimeCfg.Logging.Format, runtimeCfg.Logging.Output, runtimeCfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("failed to configure logger")
		os.Exit(1)
	}

	if runtimeCfg.Metrics.Enabled {
		logging.InitCloudWatch(runtimeCfg.Metrics.Region, runtimeCfg.Metrics.Namespace)
	}

	log.WithFields(logging.Fields{
		"exchanges": cli.Exchanges,
		"dump_path": cli.DumpPath,
		"depth":     cli.Depth,
	}).Info("starting marketfeed")

	desc, err := config.LoadSymbolConfig(cli.SymbolConfig, cli.Exchanges, int(cli.Depth))
	if err != nil {
		log.WithError(err).Error("failed to load symbol config")
		os.Exit(1)
	}

	bitmexAuth := bitmex.Credentials{
		Key:    os.Getenv("BITMEX_API_KEY"),
		Secret: os.Getenv("BITMEX_API_SECRET"),
	}

	subLog := log.WithComponent("subscriber")
	sub := provider.Subscriber{
		OnBook: func(venue, symbol string, bids, asks []book.Level) {
			subLog.WithFields(logging.Fields{
				"venue": venue, "symbol": symbol, "bids": len(bids), "asks": len(asks),
			}).Debug("book updated")
		},
		OnTrade: func(tr model.TradeRecord) {
			subLog.WithFields(logging.Fields{
				"venue": tr.Venue, "symbol": tr.Symbol, "side": tr.Side.String(), "price": tr.Price,
			}).Debug("trade")
		},
	}

	p := provider.New(desc, sub, bitmexAuth, runtimeCfg, log.WithComponent("provider"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Run(ctx); err != nil {
		log.WithError(err).Error("failed to start venue subscribers")
		os.Exit(1)
	}

	if err := p.SetDumpQuotes(true, cli.DumpPath, cli.DurationMin); err != nil {
		log.WithError(err).Error("failed to enable archival dump")
		p.Stop()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	runtime := cli.TotalRuntime()
	timer := time.NewTimer(runtime)
	defer timer.Stop()

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutdown signal received")
	case <-timer.C:
		log.WithField("runtime", runtime.String()).Info("configured runtime elapsed")
	}

	cancel()
	p.Stop()

	log.Info("marketfeed stopped cleanly")
}
