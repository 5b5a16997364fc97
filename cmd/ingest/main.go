package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"docingest/internal/app"
	"docingest/internal/config"
	"docingest/internal/feeder"
	"docingest/internal/logging"
	"docingest/internal/parser"
)

func main() {
	_ = godotenv.Load(".env")

	configPath := flag.String("config", envOr("DOCINGEST_CONFIG", "config.yaml"), "Path to configuration file")
	input := flag.String("input", "-", "NDJSON input file, - for stdin")
	scanner := flag.String("scanner", "", "Scanner name for records that carry none")
	flag.Parse()

	// Load configuration file.
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}

	// Prepare cancellable context that listens to OS signals (Ctrl+C).
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var r io.Reader = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			log.Fatalf("failed to open input: %v", err)
		}
		defer f.Close()
		r = f
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		logrus.Fatalf("failed to build pipeline: %v", err)
	}

	res, runErr := feeder.New(a.Dispatcher, parser.New(*scanner), a.Reporter, cfg.Feeder.Workers).Run(ctx, r)
	if ctx.Err() == nil {
		a.Drain()
	} else {
		logrus.Info("interrupt received, batched documents are left unsent")
	}
	stats := a.Dispatcher.Stats()
	if err := a.Close(); err != nil {
		logrus.Errorf("shutdown: %v", err)
	}

	logrus.WithFields(logrus.Fields{
		"lines":     res.Lines,
		"rejected":  res.Rejected,
		"attempted": stats.Attempted,
		"succeeded": stats.Succeeded,
	}).Info("ingestion done")
	if runErr != nil {
		logrus.Fatalf("feeder terminated with error: %v", runErr)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
