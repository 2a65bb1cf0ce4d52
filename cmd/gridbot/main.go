package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"gridtrader/internal/config"
	"gridtrader/internal/engine"
	"gridtrader/internal/exchange"
	"gridtrader/internal/logger"
	"gridtrader/internal/persistence"
	"gridtrader/internal/server"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	// .env is optional; real deployments inject env vars directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("load config: " + err.Error())
	}
	logger.Init(cfg.Log)
	log := logger.S()
	defer log.Sync()

	log.Infof("gridtrader starting: symbol=%s mode=%s", cfg.Grid.Symbol, cfg.Mode)

	repo, err := persistence.NewBadgerRepository(cfg.DBPath, log)
	if err != nil {
		log.Fatalf("open snapshot store: %v", err)
	}
	defer repo.Close()

	var gateway exchange.Gateway
	switch cfg.Mode {
	case config.ModeLive:
		gateway = exchange.NewLiveGateway(cfg.Exchange.APIKey, cfg.Exchange.SecretKey, cfg.Exchange.UseTestnet, cfg.Exchange.RequestTimeout, log)
		if !gateway.Connect() {
			log.Fatalf("cannot reach exchange, refusing to start in live mode")
		}
	default:
		gateway = exchange.NewPaperGateway(cfg.Grid.Symbol, cfg.InitialBalance, cfg.Grid.FeePercent, log)
		gateway.Connect()
	}
	defer gateway.Disconnect()

	eng := engine.New(*cfg, gateway, repo, log)
	srv := server.New(eng, cfg.Server.Port, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Infof("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Errorf("server failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := eng.Stop(ctx); err != nil && err != engine.ErrNotInitialized {
		log.Warnf("engine stop: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Warnf("server shutdown: %v", err)
	}
	log.Info("gridtrader stopped")
}
