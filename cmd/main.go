package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mstgnz/paygate/app"
	"github.com/mstgnz/paygate/infra/config"
	"github.com/mstgnz/paygate/infra/logger"
)

// Version is set at build time
var Version = "dev"

func main() {
	// the env file is optional, real deployments use the environment
	if err := godotenv.Load(config.GetEnv("ENV_FILE", ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("Load Env Error: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config Error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, Version)
	if err != nil {
		log.Fatalf("Startup Error: %v", err)
	}

	if err := a.Run(ctx); err != nil {
		logger.Fatal("paygate stopped with error", err)
	}
	logger.Info("paygate stopped")
}
