package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        int
	DatabaseURL string
	NatsURL     string

	GenerateURL   string
	GenerateToken string

	ASRStreamURL string
	ASRToken     string

	SlackBotToken     string
	SlackAlertChannel string

	LogLevel string

	// Retry policy for persistence and generation calls.
	MaxRetries             int
	InitialDelay           time.Duration
	MaxDelay               time.Duration
	BackoffMultiplier      float64
	JitterFactor           float64
	RetryableErrorPatterns []string

	// Circuit breaker per operation class.
	FailureThreshold int
	ResetTimeout     time.Duration
	SuccessThreshold int

	// Ingestion queue.
	BatchSize int
	Debounce  time.Duration

	// Turn detection.
	PauseThreshold            time.Duration
	SentenceCountBeforeSwitch int

	// Confidence histogram buckets.
	ConfidenceThresholdLow  float64
	ConfidenceThresholdHigh float64

	Language            string
	SampleRate          int
	MaxProviderRestarts int
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first, matching local dev setups.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:        envInt("SCRIBE_PORT", 8600),
		DatabaseURL: envStr("DATABASE_URL", ""),
		NatsURL:     envStr("NATS_URL", "nats://localhost:4222"),

		GenerateURL:   envStr("GENERATE_URL", "http://localhost:8700"),
		GenerateToken: envStr("GENERATE_TOKEN", ""),

		ASRStreamURL: envStr("ASR_STREAM_URL", ""),
		ASRToken:     envStr("ASR_TOKEN", ""),

		SlackBotToken:     envStr("SLACK_BOT_TOKEN", ""),
		SlackAlertChannel: envStr("SLACK_ALERT_CHANNEL", ""),

		LogLevel: envStr("LOG_LEVEL", "info"),

		MaxRetries:             envInt("MAX_RETRIES", 3),
		InitialDelay:           envDurationMS("INITIAL_DELAY_MS", 1000),
		MaxDelay:               envDurationMS("MAX_DELAY_MS", 30000),
		BackoffMultiplier:      envFloat("BACKOFF_MULTIPLIER", 2.0),
		JitterFactor:           envFloat("JITTER_FACTOR", 0.1),
		RetryableErrorPatterns: envList("RETRYABLE_ERROR_PATTERNS", "timeout,network,connection,rate limit,overloaded,unavailable"),

		FailureThreshold: envInt("FAILURE_THRESHOLD", 5),
		ResetTimeout:     envDurationMS("RESET_TIMEOUT_MS", 60000),
		SuccessThreshold: envInt("SUCCESS_THRESHOLD", 1),

		BatchSize: envInt("BATCH_SIZE", 5),
		Debounce:  envDurationMS("DEBOUNCE_MS", 3000),

		PauseThreshold:            envDurationMS("PAUSE_THRESHOLD_MS", 2000),
		SentenceCountBeforeSwitch: envInt("SENTENCE_COUNT_BEFORE_SWITCH", 2),

		ConfidenceThresholdLow:  envFloat("CONFIDENCE_THRESHOLD_LOW", 0.6),
		ConfidenceThresholdHigh: envFloat("CONFIDENCE_THRESHOLD_HIGH", 0.8),

		Language:            envStr("LANGUAGE", "en-US"),
		SampleRate:          envInt("SAMPLE_RATE", 16000),
		MaxProviderRestarts: envInt("MAX_PROVIDER_RESTARTS", 5),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationMS(key string, fallbackMS int) time.Duration {
	return time.Duration(envInt(key, fallbackMS)) * time.Millisecond
}

func envList(key, fallback string) []string {
	raw := envStr(key, fallback)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
