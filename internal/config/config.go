// Package config loads the file-based application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when no config path is given.
const DefaultConfigPath = "config.yaml"

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig selects the billing database.
type DatabaseConfig struct {
	// DSN accepts a PostgreSQL DSN/URL or a SQLite file path.
	DSN string `yaml:"dsn"`
}

// RedisConfig selects the optional redis instance used for config reload
// broadcasting. An empty address disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LogConfig controls log output and rotation.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
}

// ResolveConfigPath normalizes a config path, falling back to the default.
func ResolveConfigPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultConfigPath
	}
	return filepath.Clean(path)
}

// Load reads and parses the application config file.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig

	data, errRead := os.ReadFile(ResolveConfigPath(path))
	if errRead != nil {
		return cfg, fmt.Errorf("config: read: %w", errRead)
	}
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return cfg, fmt.Errorf("config: parse: %w", errUnmarshal)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return cfg, fmt.Errorf("config: database.dsn is required")
	}
	return cfg, nil
}
