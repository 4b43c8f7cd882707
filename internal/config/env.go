package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	SslCertPath string

	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	S3Endpoint   string
	BucketName   string

	GeminiAPIKey     string
	EmbedModel       string
	OpenAIAPIKey     string
	OpenAIEmbedModel string
	OpenAIBaseURL    string
	EmbedBatchSize   int
	EmbedRateLimit   float64

	Port        string
	CORSOrigins []string
	LogLevel    string
	LogFormat   string

	RedisURL    string
	QueuePrefix string

	DocumentWorkers    int
	EmbeddingWorkers   int
	WebScrapingWorkers int
	ReindexWorkers     int

	JobAttempts        int
	JobBackoff         time.Duration
	StallWindow        time.Duration
	StallCheckInterval time.Duration
	CleanupSchedule    string
	CompletedRetention time.Duration
	FailedRetention    time.Duration

	KafkaBrokers     []string
	KafkaStatusTopic string

	WebRenderer    string
	ScrapeTimeout  time.Duration
	UseReadability bool
}

// LoadConfig reads .env when present, then the process environment. It never
// exits; callers that need a complete config call Validate.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		SslCertPath: getEnv("SSL_CERT_PATH", ""),

		AwsAccessKey: getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey: getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:    getEnv("AWS_REGION", "us-east-2"),
		S3Endpoint:   getEnv("S3_ENDPOINT", ""),
		BucketName:   getEnv("BUCKET_NAME", "botforge-sources"),

		GeminiAPIKey:     getEnv("GEMINI_API_KEY", ""),
		EmbedModel:       getEnv("EMBED_MODEL", "gemini-embedding-001"),
		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		OpenAIEmbedModel: getEnv("OPENAI_EMBED_MODEL", "text-embedding-3-small"),
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", ""),
		EmbedBatchSize:   getEnvInt("EMBED_BATCH_SIZE", 50),
		EmbedRateLimit:   getEnvFloat("EMBED_RATE_LIMIT", 5),

		Port:        getEnv("PORT", "8080"),
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"*"}),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "text"),

		RedisURL:    getEnv("REDIS_URL", ""),
		QueuePrefix: getEnv("QUEUE_PREFIX", "botforge"),

		DocumentWorkers:    getEnvInt("DOCUMENT_WORKERS", 2),
		EmbeddingWorkers:   getEnvInt("EMBEDDING_WORKERS", 2),
		WebScrapingWorkers: getEnvInt("WEBSCRAPING_WORKERS", 2),
		ReindexWorkers:     getEnvInt("REINDEX_WORKERS", 1),

		JobAttempts:        getEnvInt("JOB_ATTEMPTS", 3),
		JobBackoff:         getEnvDuration("JOB_BACKOFF", 5*time.Second),
		StallWindow:        getEnvDuration("STALL_WINDOW", 5*time.Minute),
		StallCheckInterval: getEnvDuration("STALL_CHECK_INTERVAL", 30*time.Second),
		CleanupSchedule:    getEnv("CLEANUP_SCHEDULE", "@hourly"),
		CompletedRetention: getEnvDuration("COMPLETED_RETENTION", 24*time.Hour),
		FailedRetention:    getEnvDuration("FAILED_RETENTION", 7*24*time.Hour),

		KafkaBrokers:     getEnvList("KAFKA_BROKERS", nil),
		KafkaStatusTopic: getEnv("KAFKA_STATUS_TOPIC", "botforge.source-status"),

		WebRenderer:    getEnv("WEB_RENDERER", "http"),
		ScrapeTimeout:  getEnvDuration("SCRAPE_TIMEOUT", 30*time.Second),
		UseReadability: getEnvBool("USE_READABILITY", true),
	}
}

// Validate reports every value the API server cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL not set"))
	}
	if c.AwsAccessKey == "" || c.AwsSecretKey == "" {
		errs = append(errs, errors.New("AWS_ACCESS_KEY and AWS_SECRET_KEY must be set"))
	}
	if c.BucketName == "" {
		errs = append(errs, errors.New("BUCKET_NAME not set"))
	}
	if c.GeminiAPIKey == "" && c.OpenAIAPIKey == "" {
		errs = append(errs, errors.New("at least one of GEMINI_API_KEY or OPENAI_API_KEY must be set"))
	}
	for name, n := range map[string]int{
		"DOCUMENT_WORKERS":    c.DocumentWorkers,
		"EMBEDDING_WORKERS":   c.EmbeddingWorkers,
		"WEBSCRAPING_WORKERS": c.WebScrapingWorkers,
		"REINDEX_WORKERS":     c.ReindexWorkers,
		"JOB_ATTEMPTS":        c.JobAttempts,
		"EMBED_BATCH_SIZE":    c.EmbedBatchSize,
	} {
		if n < 1 {
			errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", name, n))
		}
	}
	if c.StallWindow <= 0 {
		errs = append(errs, errors.New("STALL_WINDOW must be positive"))
	}
	return errors.Join(errs...)
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("env value is not an int, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("env value is not a number, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("env value is not a duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

func getEnvBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("env value is not a bool, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}

// getEnvList splits a comma-separated value, dropping blanks.
func getEnvList(key string, def []string) []string {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
