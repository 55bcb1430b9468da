package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Environment  string // prod | stage | dev ...
	CloudEnv     string // fwi | fwi-dev | fwi-cloud host family
	ListenAddr   string
	DBPath       string
	SerialNumber string // dev override; empty means ask the hardware
	PlayerType   string
	RebootJitter time.Duration
	LogLevel     string
}

// MustLoad loads the required settings for the agent to operate
func MustLoad() Config {
	jitterMin, _ := strconv.Atoi(getenv("REBOOT_JITTER_MIN", "10"))

	return Config{
		Environment:  getenv("ENVIRONMENT", "prod"),
		CloudEnv:     getenv("CLOUD_ENV", "fwi"),
		ListenAddr:   getenv("LISTEN_ADDR", "127.0.0.1:9191"),
		DBPath:       getenv("DB_PATH", "signage-agent.db"),
		SerialNumber: getenv("SERIAL_NUMBER", ""),
		PlayerType:   getenv("PLAYER_TYPE", "SignagePlayer"),
		RebootJitter: time.Duration(jitterMin) * time.Minute,
		LogLevel:     getenv("LOG_LEVEL", "info"),
	}
}

// getenv fetches the env variables for the application to run
func getenv(k, d string) string {
	if v, ok := os.LookupEnv(k); ok {
		return v
	}
	return d
}
