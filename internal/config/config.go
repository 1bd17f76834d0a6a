package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	PublicBaseURL string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	UseMemoryQueue  bool
	WorkerCount     int
	TaskQueueURL    string
	ReceiveWaitSecs int

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	// DefaultOwnerID is the tenant used when owner resolution falls through
	// every strategy. Only honored outside production.
	DefaultOwnerID string

	ActiveExpiration        time.Duration
	PendingExpiration       time.Duration
	IdleTimeout             time.Duration
	MinConversationDuration time.Duration
	ClosureKeywords         []string
	SweepBatchLimit         int

	BackgroundTasksEnabled bool
	SchedulerInterval      time.Duration

	AgentBaseURL string
	AgentAPIKey  string

	TranscriptionBaseURL string
	TranscriptionAPIKey  string
}

// DefaultClosureKeywords is the built-in closure vocabulary used when
// CONVERSATION_CLOSURE_KEYWORDS is not set.
var DefaultClosureKeywords = []string{
	"tchau", "obrigado", "obrigada", "valeu", "falou",
	"encerrar", "finalizar", "resolvido", "adeus",
	"bye", "thanks", "thank you", "goodbye",
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		UseMemoryQueue:  getEnvAsBool("USE_MEMORY_QUEUE", false),
		WorkerCount:     getEnvAsInt("WORKER_COUNT", 2),
		TaskQueueURL:    getEnv("TASK_QUEUE_URL", ""),
		ReceiveWaitSecs: getEnvAsInt("RECEIVE_WAIT_SECONDS", 2),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		TwilioAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber: getEnv("TWILIO_FROM_NUMBER", ""),

		DefaultOwnerID: getEnv("DEFAULT_OWNER_ID", ""),

		ActiveExpiration:        getEnvAsDuration("CONVERSATION_ACTIVE_EXPIRATION", 24*time.Hour),
		PendingExpiration:       getEnvAsDuration("CONVERSATION_PENDING_EXPIRATION", 30*time.Minute),
		IdleTimeout:             getEnvAsDuration("CONVERSATION_IDLE_TIMEOUT", 60*time.Minute),
		MinConversationDuration: getEnvAsDuration("CONVERSATION_MIN_DURATION", 60*time.Second),
		ClosureKeywords:         getEnvAsSlice("CONVERSATION_CLOSURE_KEYWORDS", DefaultClosureKeywords),
		SweepBatchLimit:         getEnvAsInt("CONVERSATION_SWEEP_BATCH_LIMIT", 100),

		BackgroundTasksEnabled: getEnvAsBool("BACKGROUND_TASKS_ENABLED", true),
		SchedulerInterval:      getEnvAsDuration("SCHEDULER_INTERVAL", 5*time.Minute),

		AgentBaseURL: getEnv("AGENT_BASE_URL", ""),
		AgentAPIKey:  getEnv("AGENT_API_KEY", ""),

		TranscriptionBaseURL: getEnv("TRANSCRIPTION_BASE_URL", ""),
		TranscriptionAPIKey:  getEnv("TRANSCRIPTION_API_KEY", ""),
	}
}

// IsProduction reports whether the process runs with production semantics.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	if len(values) == 0 {
		return defaultValue
	}
	return values
}
