// Package config provides environment configuration for the API server.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	MaxBodyBytes       int64

	// Database settings
	DatabaseDriver string
	DatabaseURL    string

	// Idempotency settings
	RedisURL            string
	IdempotencyCacheTTL time.Duration
	IdempotencyLockTTL  time.Duration

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string
	NATSEnabled  bool
	// IngestConcurrency bounds queued channel payloads handled at once.
	IngestConcurrency int

	// JWT settings
	JWTSecret     string
	JWTExpiration time.Duration

	// LLM settings
	AnthropicAPIKey    string
	OpenAIAPIKey       string
	DefaultLLM         string
	ClassifierModel    string
	ChatModel          string
	ExtractionModel    string
	ModelTimeout       time.Duration
	ModelRecordTimeout time.Duration

	// Routing
	IntentConfidenceThreshold float64
	IntentRoutes              map[string]string

	// Workflow settings
	ApprovalThreshold    float64
	PriceList            map[string]float64
	Currency             string
	ApprovalTimeout      time.Duration
	TimeoutPolicy        string
	TimeoutRearmAfter    time.Duration
	MaxRearms            int
	StepMaxAttempts      int
	StepBackoffInitial   time.Duration
	StepBackoffMax       time.Duration
	WorkflowWorkers      int
	DeadlineScanSchedule string
	Schedules            []Schedule

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Schedule describes a cron-fired event emitted by the schedule channel.
type Schedule struct {
	Name         string `json:"name"`
	Spec         string `json:"spec"`
	Content      string `json:"content"`
	WorkflowType string `json:"workflow_type,omitempty"`
}

// DefaultIntentRoutes maps classifier labels to workflow types.
var DefaultIntentRoutes = map[string]string{
	"quote_request":   "quote_request",
	"pricing":         "quote_request",
	"support":         "support_ticket",
	"complaint":       "support_ticket",
	"manual_review":   "manual_review",
	"approval_needed": "manual_review",
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),
		MaxBodyBytes:       int64(getIntEnv("MAX_BODY_BYTES", 1<<20)),

		// Database
		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:    getEnv("DATABASE_URL", "file:concord.db?cache=shared&_busy_timeout=5000"),

		// Idempotency
		RedisURL:            getEnv("REDIS_URL", ""),
		IdempotencyCacheTTL: getDurationEnv("IDEMPOTENCY_CACHE_TTL", 24*time.Hour),
		IdempotencyLockTTL:  getDurationEnv("IDEMPOTENCY_LOCK_TTL", 30*time.Second),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),
		NATSEnabled:  getBoolEnv("NATS_ENABLED", true),

		IngestConcurrency: getIntEnv("INGEST_CONCURRENCY", 8),

		// JWT
		JWTSecret:     getEnv("JWT_SECRET", "development-secret-change-in-production"),
		JWTExpiration: getDurationEnv("JWT_EXPIRATION", 15*time.Minute),

		// LLM
		AnthropicAPIKey:    getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:         getEnv("DEFAULT_LLM", "anthropic"),
		ClassifierModel:    getEnv("CLASSIFIER_MODEL", ""),
		ChatModel:          getEnv("CHAT_MODEL", ""),
		ExtractionModel:    getEnv("EXTRACTION_MODEL", ""),
		ModelTimeout:       getDurationEnv("MODEL_TIMEOUT", 30*time.Second),
		ModelRecordTimeout: getDurationEnv("MODEL_RECORD_TIMEOUT", 2*time.Second),

		// Routing
		IntentConfidenceThreshold: getFloatEnv("INTENT_CONFIDENCE_THRESHOLD", 0.6),
		IntentRoutes:              getJSONEnv("INTENT_ROUTES", DefaultIntentRoutes),

		// Workflows
		ApprovalThreshold:    getFloatEnv("APPROVAL_THRESHOLD", 10000),
		PriceList:            getJSONEnv("PRICE_LIST", map[string]float64{}),
		Currency:             getEnv("CURRENCY", "USD"),
		ApprovalTimeout:      getDurationEnv("APPROVAL_TIMEOUT", 72*time.Hour),
		TimeoutPolicy:        getEnv("TIMEOUT_POLICY", "rearm"),
		TimeoutRearmAfter:    getDurationEnv("TIMEOUT_REARM_AFTER", 24*time.Hour),
		MaxRearms:            getIntEnv("MAX_REARMS", 2),
		StepMaxAttempts:      getIntEnv("STEP_MAX_ATTEMPTS", 5),
		StepBackoffInitial:   getDurationEnv("STEP_BACKOFF_INITIAL", 500*time.Millisecond),
		StepBackoffMax:       getDurationEnv("STEP_BACKOFF_MAX", 30*time.Second),
		WorkflowWorkers:      getIntEnv("WORKFLOW_WORKERS", 16),
		DeadlineScanSchedule: getEnv("DEADLINE_SCAN_SCHEDULE", "@every 1m"),
		Schedules:            getJSONEnv("SCHEDULES", []Schedule{}),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 600),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getJSONEnv decodes a JSON-valued variable, keeping the default when it is unset or malformed.
func getJSONEnv[T any](key string, defaultValue T) T {
	if value := os.Getenv(key); value != "" {
		var parsed T
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			return parsed
		}
	}
	return defaultValue
}
