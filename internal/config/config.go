// Package config provides configuration for reactor.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the reactor configuration.
type Config struct {
	// Server settings
	HTTPPort     int // External port: WebSocket endpoint and /health
	InternalPort int // Internal port: job callbacks and inspection API

	// Database
	DatabaseURL string

	// Reasoner settings
	Mode             string // MOCK or LIVE
	ReasonerURL      string
	ReasonerTimeout  time.Duration
	ReasonerAttempts int           // Max attempts per invocation, transient failures only
	RetryBaseDelay   time.Duration // First retry delay
	RetryMultiplier  float64       // Delay growth factor per attempt
	RetryMaxDelay    time.Duration // Delay ceiling

	// Workflow settings
	MaxIterations   int           // Reasoner turns per execution before forced failure
	ContextMaxTurns int           // Conversation turns kept per session
	PromptTTL       time.Duration // User-response token lifetime
	JobTTL          time.Duration // Tool-result token and job lifetime
	SweepInterval   time.Duration // Expiry sweep cadence

	// Identity settings
	IdentityURL    string // Remote validator endpoint; static tokens when empty
	IdentityTokens string // Static credentials, "token=user" comma separated

	// Session settings
	SessionTTL    time.Duration
	ConnectionTTL time.Duration

	// Queue settings
	QueueSize        int // Buffered frames per session while no channel is live
	SendBufferSize   int // Outbound channel buffer per connection
	PreAuthMaxFrames int // Frames tolerated before auth completes

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	// Dispatch settings
	DispatchPolicy string // Path to a rego policy file; built-in default when empty
	JobRunnerURL   string // External backend for job tools; in-process stub when empty

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		HTTPPort:     getEnvInt("HTTP_PORT", 8080),
		InternalPort: getEnvInt("INTERNAL_PORT", 8081),
		DatabaseURL:  getEnv("DATABASE_URL", "file:reactor.db?cache=shared&mode=rwc"),

		Mode:             getEnv("REACTOR_MODE", "MOCK"),
		ReasonerURL:      getEnv("REASONER_URL", "http://localhost:9000/invoke"),
		ReasonerTimeout:  time.Duration(getEnvInt("REASONER_TIMEOUT_MS", 30000)) * time.Millisecond,
		ReasonerAttempts: getEnvInt("REASONER_MAX_ATTEMPTS", 3),
		RetryBaseDelay:   time.Duration(getEnvInt("RETRY_BASE_DELAY_MS", 500)) * time.Millisecond,
		RetryMultiplier:  getEnvFloat("RETRY_MULTIPLIER", 2.0),
		RetryMaxDelay:    time.Duration(getEnvInt("RETRY_MAX_DELAY_MS", 10000)) * time.Millisecond,

		MaxIterations:   getEnvInt("MAX_ITERATIONS", 10),
		ContextMaxTurns: getEnvInt("CONTEXT_MAX_TURNS", 10),
		PromptTTL:       time.Duration(getEnvInt("PROMPT_TTL_MS", 300000)) * time.Millisecond,
		JobTTL:          time.Duration(getEnvInt("JOB_TTL_MS", 600000)) * time.Millisecond,
		SweepInterval:   time.Duration(getEnvInt("SWEEP_INTERVAL_MS", 500)) * time.Millisecond,

		IdentityURL:    getEnv("IDENTITY_URL", ""),
		IdentityTokens: getEnv("IDENTITY_TOKENS", ""),

		SessionTTL:    time.Duration(getEnvInt("SESSION_TTL_MS", 86400000)) * time.Millisecond,
		ConnectionTTL: time.Duration(getEnvInt("CONNECTION_TTL_MS", 86400000)) * time.Millisecond,

		QueueSize:        getEnvInt("SESSION_QUEUE_SIZE", 64),
		SendBufferSize:   getEnvInt("SEND_BUFFER_SIZE", 256),
		PreAuthMaxFrames: getEnvInt("PREAUTH_MAX_FRAMES", 8),

		PingInterval:   time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:   time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:    time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxMessageSize: int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),

		DispatchPolicy: getEnv("DISPATCH_POLICY_PATH", ""),
		JobRunnerURL:   getEnv("JOB_RUNNER_URL", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
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

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
