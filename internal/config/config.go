package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName       string
	AppVersion    string
	Environment   string
	HTTPAddr      string
	AuthJWTSecret string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	PlansConfigPath string

	Allocation AllocationConfig
	RateLimit  RateLimitConfig
	Broadcast  BroadcastConfig
}

// AllocationConfig bounds the retry loop around the creation transaction.
type AllocationConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// HintWindow caps how far past the team counter a client short id is
	// still honored.
	HintWindow int64
}

type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MatterCreateOrgRate  float64
	MatterCreateOrgBurst int
	// MatterInflightTTL bounds how long one matter id may be in flight.
	MatterInflightTTL time.Duration
}

type BroadcastConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Channel       string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "matterly"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		AuthJWTSecret:     strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "matterly"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "matterly.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		PlansConfigPath:   strings.TrimSpace(getenv("PLANS_CONFIG_PATH", "")),
		Allocation: AllocationConfig{
			MaxAttempts: getenvInt("ALLOCATION_MAX_ATTEMPTS", 3),
			BaseDelay:   time.Duration(getenvInt("ALLOCATION_BASE_DELAY_MS", 20)) * time.Millisecond,
			HintWindow:  int64(getenvInt("ALLOCATION_HINT_WINDOW", 1000)),
		},
		RateLimit: RateLimitConfig{
			Enabled:              getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:            strings.TrimSpace(getenv("REDIS_ADDR", "")),
			RedisPassword:        getenv("REDIS_PASSWORD", ""),
			RedisDB:              getenvInt("REDIS_DB", 0),
			MatterCreateOrgRate:  getenvFloat("RATE_LIMIT_MATTER_CREATE_ORG_RATE", 20),
			MatterCreateOrgBurst: getenvInt("RATE_LIMIT_MATTER_CREATE_ORG_BURST", 100),
			MatterInflightTTL:    time.Duration(getenvInt("RATE_LIMIT_MATTER_INFLIGHT_TTL_SECONDS", 10)) * time.Second,
		},
		Broadcast: BroadcastConfig{
			RedisAddr:     strings.TrimSpace(getenv("BROADCAST_REDIS_ADDR", "")),
			RedisPassword: getenv("BROADCAST_REDIS_PASSWORD", ""),
			RedisDB:       getenvInt("BROADCAST_REDIS_DB", 0),
			Channel:       getenv("BROADCAST_CHANNEL", "matterly:team-events"),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
