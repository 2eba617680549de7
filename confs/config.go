package confs

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Config carries everything the server reads from the environment. Database
// settings stay in the db package, matching how it builds its DSN.
type Config struct {
	Host string
	Port string

	// TokenSecret signs session tokens. It has no default on purpose: a
	// deployment must provide its own key material.
	TokenSecret string
	TokenTTL    time.Duration

	// HeartbeatTimeout is how long a session may go without a heartbeat
	// before the device is declared dead. Agents beat every ~30s, so the
	// default allows three misses.
	HeartbeatTimeout time.Duration

	// MonitorInterval is the per-device telemetry poll period.
	MonitorInterval time.Duration
}

// LoadConfig loads environment variables from a .env file if present and
// validates essential settings.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "could not load .env")
		}
	}

	cfg := &Config{
		Host:             getEnv("RDM_HOST", "0.0.0.0"),
		Port:             getEnv("RDM_PORT", "8443"),
		TokenSecret:      os.Getenv("RDM_TOKEN_SECRET"),
		TokenTTL:         getDuration("RDM_TOKEN_TTL_HOURS", 24) * time.Hour,
		HeartbeatTimeout: getDuration("RDM_HEARTBEAT_TIMEOUT_SECONDS", 90) * time.Second,
		MonitorInterval:  getDuration("RDM_MONITOR_INTERVAL_SECONDS", 5) * time.Second,
	}

	if cfg.TokenSecret == "" {
		return nil, errors.New("RDM_TOKEN_SECRET is required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback int64) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return time.Duration(n)
		}
	}
	return time.Duration(fallback)
}
