package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	API      APIConfig
	CORS     CORSConfig
	Automod  AutomodConfig
	Chat     ChatConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
	// Store selects the message store backend: "postgres" or "memory".
	Store string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret      string
	ExpiryHours int
}

type APIConfig struct {
	RateLimitMessagesPerSec int
	RateLimitBurst          int
}

type CORSConfig struct {
	AllowedOrigins []string
}

// AutomodConfig configures the oracle call made for every inbound message.
type AutomodConfig struct {
	GeminiAPIKey    string
	Model           string
	Timeout         time.Duration
	MaxConcurrent   int64
	BreakerFailures uint32
	BreakerCooldown time.Duration
	BannedWords     []string
	SystemUserID    uuid.UUID
}

type ChatConfig struct {
	PageSize         int
	MaxContentLength int
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	systemID, err := uuid.Parse(getEnv("SYSTEM_MODERATOR_ID", "00000000-0000-0000-0000-000000000001"))
	if err != nil {
		return nil, fmt.Errorf("invalid SYSTEM_MODERATOR_ID: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:     getEnv("PORT", "8080"),
			Env:      getEnv("ENV", "development"),
			LogLevel: getEnv("LOG_LEVEL", "info"),
			Store:    getEnv("STORE", "postgres"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "arcade"),
			Password: getEnv("DB_PASSWORD", "arcade_password"),
			DBName:   getEnv("DB_NAME", "arcade_chat"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-this-secret-key"),
			ExpiryHours: getEnvInt("JWT_EXPIRY_HOURS", 168),
		},
		API: APIConfig{
			RateLimitMessagesPerSec: getEnvInt("RATE_LIMIT_MESSAGES_PER_SECOND", 2),
			RateLimitBurst:          getEnvInt("RATE_LIMIT_BURST", 5),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
		},
		Automod: AutomodConfig{
			GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
			Model:           getEnv("AUTOMOD_MODEL", "gemini-1.5-flash"),
			Timeout:         time.Duration(getEnvInt("AUTOMOD_TIMEOUT_MS", 5000)) * time.Millisecond,
			MaxConcurrent:   int64(getEnvInt("AUTOMOD_MAX_CONCURRENT", 8)),
			BreakerFailures: uint32(getEnvInt("AUTOMOD_BREAKER_FAILURES", 5)),
			BreakerCooldown: time.Duration(getEnvInt("AUTOMOD_BREAKER_COOLDOWN_SECONDS", 30)) * time.Second,
			BannedWords:     splitList(getEnv("AUTOMOD_BANNED_WORDS", "")),
			SystemUserID:    systemID,
		},
		Chat: ChatConfig{
			PageSize:         getEnvInt("CHAT_PAGE_SIZE", 50),
			MaxContentLength: getEnvInt("CHAT_MAX_CONTENT_LENGTH", 500),
			ReconnectMin:     time.Duration(getEnvInt("CHAT_RECONNECT_MIN_MS", 250)) * time.Millisecond,
			ReconnectMax:     time.Duration(getEnvInt("CHAT_RECONNECT_MAX_MS", 10000)) * time.Millisecond,
		},
	}

	// Validate required fields
	if cfg.JWT.Secret == "change-this-secret-key" && cfg.Server.Env == "production" {
		return nil, fmt.Errorf("JWT_SECRET must be set in production")
	}
	if cfg.Server.Store != "postgres" && cfg.Server.Store != "memory" {
		return nil, fmt.Errorf("STORE must be postgres or memory, got %q", cfg.Server.Store)
	}
	if cfg.Automod.Timeout <= 0 {
		return nil, fmt.Errorf("AUTOMOD_TIMEOUT_MS must be positive")
	}

	return cfg, nil
}

// GetDSN returns the database connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Redis.Host, c.Redis.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(getEnv(key, strconv.Itoa(defaultValue)))
	if err != nil {
		return defaultValue
	}
	return v
}

func splitList(raw string) []string {
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
