package main

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the server configuration. Values come from the YAML file and
// can be overridden through the environment.
type Config struct {
	Port           string `yaml:"port"`
	TickIntervalMs int    `yaml:"tick_interval_ms"`
	DBPath         string `yaml:"db_path"`
	NATSURL        string `yaml:"nats_url"`
	LogLevel       string `yaml:"log_level"`
}

func defaultConfig() Config {
	return Config{
		Port:           "8080",
		TickIntervalMs: 500,
		DBPath:         "playhead.db",
		LogLevel:       "info",
	}
}

func loadConfig(path string) (Config, error) {
	config := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &config); err != nil {
				return config, fmt.Errorf("failed to parse config: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return config, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config.Port = getEnv("PORT", config.Port)
	config.TickIntervalMs = getEnvAsInt("CLOCK_TICK_INTERVAL_MS", config.TickIntervalMs)
	config.DBPath = getEnv("DB_PATH", config.DBPath)
	config.NATSURL = getEnv("NATS_URL", config.NATSURL)
	config.LogLevel = getEnv("LOG_LEVEL", config.LogLevel)

	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
