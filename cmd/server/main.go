package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tibzee/classrelay/internal/config"
	"github.com/tibzee/classrelay/internal/logging"
	"github.com/tibzee/classrelay/internal/server"
	"github.com/tibzee/classrelay/internal/tap"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file")
		envFile    = flag.String("env-file", ".env", "optional .env file to load before reading the environment")
	)
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting class relay",
		"port", cfg.Server.Port,
		"notify_drops", cfg.Relay.NotifyDrops,
		"tap", cfg.Tap.Enabled())

	var publisher tap.Publisher = tap.Nop{}
	if cfg.Tap.Enabled() {
		natsPub, err := tap.Connect(cfg.Tap.NATSURL, cfg.Tap.SubjectPrefix, logger)
		if err != nil {
			logger.Error("connect event tap", "url", cfg.Tap.NATSURL, "error", err)
			os.Exit(1)
		}
		publisher = natsPub
	}

	hub := server.NewHub(*cfg, logger, publisher)
	server.StartHub(hub)

	httpServer := server.CreateServer(cfg.Server, server.SetupRoutes(hub))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer, logger)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("server stopped", "error", err)
		}
	}

	if err := server.ShutdownServer(httpServer, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Warn("http server shutdown", "error", err)
	}
	if err := hub.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
		logger.Warn("hub shutdown", "error", err)
	}
}
