package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"docingest/internal/api"
	"docingest/internal/app"
	"docingest/internal/config"
	"docingest/internal/logging"
	"docingest/internal/parser"
)

func main() {
	_ = godotenv.Load(".env")

	configPath := flag.String("config", envOr("DOCINGEST_CONFIG", "config.yaml"), "Path to configuration file")
	port := flag.String("port", envOr("API_PORT", "8080"), "HTTP port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logrus.Fatalf("failed to build pipeline: %v", err)
	}

	deps := api.Deps{
		Dispatcher: a.Dispatcher,
		Reporter:   a.Reporter,
		Store:      a.Store,
		Parser:     parser.New(""),
		Workers:    cfg.Feeder.Workers,
	}
	if a.Registry != nil {
		deps.Gatherer = a.Registry
	} else {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	srv := api.NewServer(deps)
	logrus.Infof("API server listening on :%s", *port)
	runErr := srv.Run(ctx, *port)

	a.Drain()
	if err := a.Close(); err != nil {
		logrus.Errorf("shutdown: %v", err)
	}
	if runErr != nil {
		logrus.Fatalf("server stopped with error: %v", runErr)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
