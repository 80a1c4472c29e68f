// Package app wires the credit accounting engine together for the process
// entrypoints.
package app

import (
	"context"
	"strings"

	"github.com/meterwise/creditengine/internal/config"
	"github.com/meterwise/creditengine/internal/db"
	"github.com/meterwise/creditengine/internal/engine"
	"github.com/meterwise/creditengine/internal/settings"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Migrate opens the database and applies schema migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// Runtime holds the assembled engine and its supporting pieces.
type Runtime struct {
	DB      *gorm.DB
	Configs *settings.ConfigCache
	Engine  *engine.Engine

	notifier *settings.ReloadNotifier
}

// Build opens the database, migrates, loads the config snapshot and
// assembles the engine.
func Build(ctx context.Context, cfg config.AppConfig) (*Runtime, error) {
	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return nil, errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return nil, errMigrate
	}

	configs := settings.NewConfigCache()
	if errReload := configs.Reload(ctx, conn); errReload != nil {
		return nil, errReload
	}

	rt := &Runtime{
		DB:      conn,
		Configs: configs,
		Engine:  engine.New(conn, configs),
	}

	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.notifier = settings.NewReloadNotifier(client)
	}

	return rt, nil
}

// Reload refreshes the config snapshot and drops downstream caches.
func (rt *Runtime) Reload(ctx context.Context) error {
	if errReload := rt.Configs.Reload(ctx, rt.DB); errReload != nil {
		return errReload
	}
	rt.Engine.Catalog().Invalidate()
	return nil
}

// Run builds the runtime and keeps the config snapshot fresh until the
// context is cancelled. With redis configured, reload announcements from
// other processes trigger snapshot swaps here.
func Run(ctx context.Context, cfg config.AppConfig) error {
	rt, errBuild := Build(ctx, cfg)
	if errBuild != nil {
		return errBuild
	}
	log.WithField("version", rt.Configs.Version()).Info("app: credit engine ready")

	if rt.notifier != nil {
		rt.notifier.Subscribe(ctx, func(reloadCtx context.Context) {
			if errReload := rt.Reload(reloadCtx); errReload != nil {
				log.WithError(errReload).Warn("app: config reload failed")
			} else {
				log.WithField("version", rt.Configs.Version()).Info("app: config reloaded")
			}
		})
		return nil
	}

	<-ctx.Done()
	return nil
}
