package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ClientConfig configures the device-side matterctl tool.
type ClientConfig struct {
	ServerURL      string
	Token          string
	StorePath      string
	PoolBlockSize  int64
	PoolStaleAfter time.Duration
	LogLevel       string
}

// LoadClient loads device configuration from environment variables and .env file.
func LoadClient() ClientConfig {
	_ = godotenv.Load()

	return ClientConfig{
		ServerURL:      strings.TrimRight(strings.TrimSpace(getenv("MATTERLY_SERVER_URL", "http://127.0.0.1:8080")), "/"),
		Token:          strings.TrimSpace(getenv("MATTERLY_TOKEN", "")),
		StorePath:      getenv("MATTERLY_STORE_PATH", "matterctl.db"),
		PoolBlockSize:  int64(getenvInt("MATTERLY_POOL_BLOCK_SIZE", 20)),
		PoolStaleAfter: time.Duration(getenvInt("MATTERLY_POOL_STALE_AFTER_MINUTES", 24*60)) * time.Minute,
		LogLevel:       getenv("LOG_LEVEL", "info"),
	}
}
