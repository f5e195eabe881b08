package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultReconnectDelay is the fixed pause between bus connection attempts.
const DefaultReconnectDelay = 5 * time.Second

// Publish modes
const (
	PublishDirect = "direct"
	PublishOutbox = "outbox"
)

// Ack modes
const (
	AckOnReceipt = "receipt"
	AckOnCommit  = "commit"
)

type Config struct {
	Service     string
	PublishMode string
	HTTP        HTTPConfig
	Bus         BusConfig
	Database    DatabaseConfig
	MySQL       MySQLConfig
	Relay       RelayConfig
	RateLimit   RateLimitConfig
	Log         LogConfig
}

type HTTPConfig struct {
	Port string
}

type BusConfig struct {
	Brokers            []string
	ClientID           string
	GroupID            string
	ReconnectDelay     time.Duration
	DurableQueues      bool
	Partitions         int32
	ReplicationFactor  int16
	TransientRetention time.Duration
	AckMode            string
	DialTimeout        time.Duration
}

// DatabaseConfig is the admin-side PostgreSQL store.
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// MySQLConfig is the user-side lending store.
type MySQLConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

type RelayConfig struct {
	Enabled           bool
	PollInterval      time.Duration
	BatchSize         int
	MaxRetries        int
	ProcessingTimeout time.Duration
}

// Rate limit backends
const (
	RateLimitRedis  = "redis"
	RateLimitWindow = "sliding_window"
	RateLimitLocal  = "local"
)

type RateLimitConfig struct {
	Enabled       bool
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Capacity      int64
	RefillRate    float64
	Window        time.Duration
}

type LogConfig struct {
	Level string
}

// Load builds the configuration for one service ("admin" or "user").
// A .env file in the working directory is honoured when present.
func Load(service string) (*Config, error) {
	_ = godotenv.Load()

	port := "8000"
	if service == "user" {
		port = "8001"
	}

	cfg := &Config{
		Service:     service,
		PublishMode: getEnv("PUBLISH_MODE", PublishDirect),
		HTTP: HTTPConfig{
			Port: getEnv("PORT", port),
		},
		Bus: BusConfig{
			Brokers:            splitList(getEnv("BUS_HOST", "localhost:9092")),
			ClientID:           getEnv("BUS_CLIENT_ID", service+"-service"),
			GroupID:            getEnv("BUS_GROUP_ID", service+"-service"),
			ReconnectDelay:     getEnvDuration("BUS_RECONNECT_DELAY", DefaultReconnectDelay),
			DurableQueues:      getEnvBool("BUS_DURABLE_QUEUES", false),
			Partitions:         int32(getEnvInt("BUS_PARTITIONS", 1)),
			ReplicationFactor:  int16(getEnvInt("BUS_REPLICATION_FACTOR", 1)),
			TransientRetention: getEnvDuration("BUS_TRANSIENT_RETENTION", time.Hour),
			AckMode:            getEnv("BUS_ACK_MODE", AckOnReceipt),
			DialTimeout:        getEnvDuration("BUS_DIAL_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "library_admin"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		MySQL: MySQLConfig{
			Host:     getEnv("MYSQL_HOST", "localhost"),
			Port:     getEnv("MYSQL_PORT", "3306"),
			User:     getEnv("MYSQL_USER", "root"),
			Password: getEnv("MYSQL_PASSWORD", ""),
			DBName:   getEnv("MYSQL_NAME", "library_user"),
		},
		Relay: RelayConfig{
			Enabled:           getEnvBool("RELAY_ENABLED", true),
			PollInterval:      getEnvDuration("RELAY_POLL_INTERVAL", 5*time.Second),
			BatchSize:         getEnvInt("RELAY_BATCH_SIZE", 100),
			MaxRetries:        getEnvInt("RELAY_MAX_RETRIES", 3),
			ProcessingTimeout: getEnvDuration("RELAY_PROCESSING_TIMEOUT", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getEnvBool("RATE_LIMIT_ENABLED", false),
			Backend:       getEnv("RATE_LIMIT_BACKEND", RateLimitRedis),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			Capacity:      int64(getEnvInt("RATE_LIMIT_CAPACITY", 100)),
			RefillRate:    getEnvFloat("RATE_LIMIT_REFILL_RATE", 10),
			Window:        getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Service {
	case "admin", "user":
	default:
		return fmt.Errorf("unknown service %q", c.Service)
	}
	switch c.PublishMode {
	case PublishDirect, PublishOutbox:
	default:
		return fmt.Errorf("invalid PUBLISH_MODE %q (must be %q or %q)", c.PublishMode, PublishDirect, PublishOutbox)
	}
	switch c.Bus.AckMode {
	case AckOnReceipt, AckOnCommit:
	default:
		return fmt.Errorf("invalid BUS_ACK_MODE %q (must be %q or %q)", c.Bus.AckMode, AckOnReceipt, AckOnCommit)
	}
	switch c.RateLimit.Backend {
	case RateLimitRedis, RateLimitWindow, RateLimitLocal:
	default:
		return fmt.Errorf("invalid RATE_LIMIT_BACKEND %q (must be %q, %q or %q)", c.RateLimit.Backend, RateLimitRedis, RateLimitWindow, RateLimitLocal)
	}
	if len(c.Bus.Brokers) == 0 {
		return fmt.Errorf("BUS_HOST must name at least one broker")
	}
	if c.Bus.ReconnectDelay <= 0 {
		return fmt.Errorf("BUS_RECONNECT_DELAY must be positive")
	}
	if c.Bus.Partitions < 1 {
		return fmt.Errorf("BUS_PARTITIONS must be at least 1")
	}
	return nil
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

func (m MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		m.User, m.Password, m.Host, m.Port, m.DBName)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
