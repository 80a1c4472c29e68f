package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/meterwise/creditengine/internal/app"
	"github.com/meterwise/creditengine/internal/config"
	"github.com/meterwise/creditengine/internal/logging"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to the config file")
	migrateOnly := flag.Bool("migrate", false, "run schema migrations and exit")
	flag.Parse()

	cfg, errLoad := config.Load(*configPath)
	if errLoad != nil {
		log.WithError(errLoad).Fatal("load config")
	}
	logging.Setup(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *migrateOnly {
		if errMigrate := app.Migrate(ctx, cfg); errMigrate != nil {
			log.WithError(errMigrate).Fatal("migrate")
		}
		log.Info("migrations applied")
		return
	}

	if errRun := app.Run(ctx, cfg); errRun != nil {
		log.WithError(errRun).Fatal("run")
	}
}
