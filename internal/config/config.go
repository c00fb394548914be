// Package config provides configuration for the voice bridge.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the voice bridge configuration.
type Config struct {
	// Server settings
	WSPort   int // Public media-stream WebSocket port
	HTTPPort int // Internal HTTP port for /health, /metrics, /internal/sessions

	// Database
	DatabaseURL    string
	DefaultAgentID string // Agent used when a call has no call record
	LookupTimeout  time.Duration

	// Voice AI endpoint
	EVIURL      string
	EVIAPIKey   string
	EVIConfigID string

	// Session lifecycle
	ConnectTimeout   time.Duration
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMaxAttempts int
	TurnFlushTimeout time.Duration

	// Audio queues (in chunks)
	InboundQueueSize  int
	OutboundQueueSize int
	QueuePushTimeout  time.Duration

	// Turn event stream, disabled when RedisAddr is empty
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		WSPort:            getEnvInt("WS_PORT", 8090),
		HTTPPort:          getEnvInt("HTTP_PORT", 8091),
		DatabaseURL:       getEnv("DATABASE_URL", "file:voicebridge.db?cache=shared&mode=rwc"),
		DefaultAgentID:    getEnv("DEFAULT_AGENT_ID", ""),
		LookupTimeout:     getEnvMillis("LOOKUP_TIMEOUT_MS", 5000),
		EVIURL:            getEnv("EVI_URL", "wss://api.hume.ai/v0/evi/chat"),
		EVIAPIKey:         getEnv("EVI_API_KEY", ""),
		EVIConfigID:       getEnv("EVI_CONFIG_ID", ""),
		ConnectTimeout:    getEnvMillis("CONNECT_TIMEOUT_MS", 10000),
		RetryBaseDelay:    getEnvMillis("RETRY_BASE_DELAY_MS", 500),
		RetryMaxDelay:     getEnvMillis("RETRY_MAX_DELAY_MS", 8000),
		RetryMaxAttempts:  getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		TurnFlushTimeout:  getEnvMillis("TURN_FLUSH_TIMEOUT_MS", 5000),
		InboundQueueSize:  getEnvInt("INBOUND_QUEUE_SIZE", 50),
		OutboundQueueSize: getEnvInt("OUTBOUND_QUEUE_SIZE", 200),
		QueuePushTimeout:  getEnvMillis("QUEUE_PUSH_TIMEOUT_MS", 10),
		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RedisStream:       getEnv("REDIS_STREAM", "voicebridge:turns"),
		PingInterval:      getEnvMillis("WS_PING_INTERVAL_MS", 30000),
		WriteTimeout:      getEnvMillis("WS_WRITE_TIMEOUT_MS", 10000),
		ReadTimeout:       getEnvMillis("WS_READ_TIMEOUT_MS", 60000),
		MaxMessageSize:    int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "json"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvMillis(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs)) * time.Millisecond
}
