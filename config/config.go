package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LayerWeights holds the ensemble weight for each classifier layer.
// The three values are expected to sum to 1.0.
type LayerWeights struct {
	Rule    float64
	History float64
	Model   float64
}

// Config holds all runtime configuration, loaded from the environment.
type Config struct {
	// Server
	Port        string
	Environment string
	LogLevel    string

	// Stores
	StoreURL  string // Postgres DSN
	MongoURL  string
	MongoDB   string
	RedisURL  string
	Neo4jURI  string
	Neo4jUser string
	Neo4jPass string

	// Model providers (OpenAI-compatible)
	ModelPrimaryEndpoint string
	ModelPrimaryAPIKey   string
	ModelPrimaryID       string
	ModelFallbackEndpoint string
	ModelFallbackAPIKey   string
	ModelFallbackID       string
	ModelTimeout         time.Duration
	ModelMaxTokens       int
	ModelTemperature     float64
	EmbeddingModel       string
	EmbeddingDims        int

	// Classification
	AutoThreshold       float64 // >= auto-apply
	ReviewThreshold     float64 // >= review queue, below auto
	BootstrapCount      int     // classifications before steady-state weights
	LayerTimeout        time.Duration
	BootstrapWeights    LayerWeights
	SteadyWeights       LayerWeights
	AgreementBoost      float64
	PartialBoost        float64
	DisagreementPenalty float64
	SmartSkip           bool // skip the model layer when rule+history agree
	ApplyLabels         bool // write labels back to the provider on auto-apply

	// History layer
	HistorySenderMin  int
	HistoryDomainMin  int
	HistoryAlpha      float64 // EMA learning rate
	HistorySaturation int     // emails_seen at which confidence saturates

	// Scans
	ScanBatchSize        int
	ScanETAWindow        int
	ScanMaxErrorBatches  int
	ScanFetchConcurrency int
	ScanMaxConcurrent    int // scan batches executing at once per worker process

	// Push notifications
	PushAudience     string
	PushTopic        string
	PushVerifyTokens bool
	WatchRenewEvery  time.Duration // 0 disables the renewal ticker
	WatchExpirySlack time.Duration

	// Secrets
	EncryptionKey      string
	GoogleClientID     string
	GoogleClientSecret string
	GoogleProjectID    string

	// Provider quota guard
	GmailMaxConcurrent     int
	GmailRequestsPerSecond int
	GmailBurstSize         int

	// Worker pool
	WorkerID        string
	WorkerMin       int // workers reserved for the push lane
	WorkerMax       int
	WorkerQueueSize int
	SnowflakeNodeID int64

	// Stream consumer
	ConsumerBatchSize  int
	ConsumerBlockMS    int
	ConsumerMaxRetries int

	// Cache
	PreferenceCacheTTL time.Duration

	// Raw message archive
	RawRetention time.Duration

	// HTTP
	AllowedOrigins []string
}

// Load reads configuration from the environment. A .env file is honored
// when present so local runs do not need exported variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		StoreURL:  getEnv("STORE_URL", getEnv("DATABASE_URL", "")),
		MongoURL:  getEnv("MONGO_URL", "mongodb://localhost:27017"),
		MongoDB:   getEnv("MONGO_DATABASE", "triage"),
		RedisURL:  getEnv("REDIS_URL", "redis://localhost:6379/0"),
		Neo4jURI:  getEnv("NEO4J_URI", ""),
		Neo4jUser: getEnv("NEO4J_USERNAME", "neo4j"),
		Neo4jPass: getEnv("NEO4J_PASSWORD", ""),

		ModelPrimaryEndpoint:  getEnv("MODEL_PRIMARY_ENDPOINT", "http://localhost:11434/v1"),
		ModelPrimaryAPIKey:    getEnv("MODEL_PRIMARY_API_KEY", "local"),
		ModelPrimaryID:        getEnv("MODEL_PRIMARY_MODEL_ID", "qwen2.5:7b"),
		ModelFallbackEndpoint: getEnv("MODEL_FALLBACK_ENDPOINT", ""),
		ModelFallbackAPIKey:   getEnv("MODEL_FALLBACK_API_KEY", getEnv("OPENAI_API_KEY", "")),
		ModelFallbackID:       getEnv("MODEL_FALLBACK_MODEL_ID", "gpt-4o-mini"),
		ModelTimeout:          time.Duration(getEnvInt("MODEL_TIMEOUT_MS", 30000)) * time.Millisecond,
		ModelMaxTokens:        getEnvInt("MODEL_MAX_TOKENS", 1024),
		ModelTemperature:      getEnvFloat("MODEL_TEMPERATURE", 0.1),
		EmbeddingModel:        getEnv("EMBEDDING_MODEL_ID", "text-embedding-3-small"),
		EmbeddingDims:         getEnvInt("EMBEDDING_DIMENSIONS", 1536),

		AutoThreshold:       getEnvFloat("CLASSIFICATION_HIGH_CONFIDENCE_THRESHOLD", 0.90),
		ReviewThreshold:     getEnvFloat("CLASSIFICATION_MEDIUM_CONFIDENCE_THRESHOLD", 0.65),
		BootstrapCount:      getEnvInt("CLASSIFICATION_BOOTSTRAP_COUNT", 100),
		LayerTimeout:        time.Duration(getEnvInt("CLASSIFICATION_LAYER_TIMEOUT_MS", 25000)) * time.Millisecond,
		BootstrapWeights:    getEnvWeights("CLASSIFICATION_WEIGHTS_BOOTSTRAP", LayerWeights{Rule: 0.30, History: 0.10, Model: 0.60}),
		SteadyWeights:       getEnvWeights("CLASSIFICATION_WEIGHTS_STEADY", LayerWeights{Rule: 0.20, History: 0.30, Model: 0.50}),
		AgreementBoost:      getEnvFloat("CLASSIFICATION_AGREEMENT_BOOST", 0.20),
		PartialBoost:        getEnvFloat("CLASSIFICATION_PARTIAL_BOOST", 0.10),
		DisagreementPenalty: getEnvFloat("CLASSIFICATION_DISAGREEMENT_PENALTY", 0.20),
		SmartSkip:           getEnvBool("CLASSIFICATION_SMART_LLM_SKIP", false),
		ApplyLabels:         getEnvBool("CLASSIFICATION_APPLY_LABELS", true),

		HistorySenderMin:  getEnvInt("HISTORY_SENDER_MIN_EMAILS", 5),
		HistoryDomainMin:  getEnvInt("HISTORY_DOMAIN_MIN_EMAILS", 10),
		HistoryAlpha:      getEnvFloat("HISTORY_LEARNING_RATE_ALPHA", 0.15),
		HistorySaturation: getEnvInt("HISTORY_SATURATION_COUNT", 20),

		ScanBatchSize:        getEnvInt("SCAN_DEFAULT_BATCH_SIZE", 50),
		ScanETAWindow:        getEnvInt("SCAN_ETA_WINDOW", 5),
		ScanMaxErrorBatches:  getEnvInt("SCAN_MAX_ERROR_BATCHES", 5),
		ScanFetchConcurrency: getEnvInt("SCAN_FETCH_CONCURRENCY", 8),
		ScanMaxConcurrent:    getEnvInt("SCAN_MAX_CONCURRENT_BATCHES", 1),

		PushAudience:     getEnv("PUSH_AUDIENCE", ""),
		PushTopic:        getEnv("PUSH_TOPIC", ""),
		PushVerifyTokens: getEnvBool("PUSH_VERIFY_TOKENS", true),
		WatchRenewEvery:  time.Duration(getEnvInt("WATCH_RENEW_INTERVAL_HOURS", 12)) * time.Hour,
		WatchExpirySlack: time.Duration(getEnvInt("WATCH_EXPIRY_SLACK_HOURS", 24)) * time.Hour,

		EncryptionKey:      getEnv("ENCRYPTION_KEY", ""),
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleProjectID:    getEnv("GOOGLE_PROJECT_ID", ""),

		GmailMaxConcurrent:     getEnvInt("GMAIL_MAX_CONCURRENT", 50),
		GmailRequestsPerSecond: getEnvInt("GMAIL_REQUESTS_PER_SECOND", 25),
		GmailBurstSize:         getEnvInt("GMAIL_BURST_SIZE", 10),

		WorkerID:        getEnv("WORKER_ID", defaultWorkerID()),
		WorkerMin:       getEnvInt("WORKER_MIN", 2),
		WorkerMax:       getEnvInt("WORKER_MAX", 20),
		WorkerQueueSize: getEnvInt("WORKER_QUEUE_SIZE", 1000),
		SnowflakeNodeID: int64(getEnvInt("SNOWFLAKE_NODE_ID", 1)),

		ConsumerBatchSize:  getEnvInt("CONSUMER_BATCH_SIZE", 50),
		ConsumerBlockMS:    getEnvInt("CONSUMER_BLOCK_MS", 5000),
		ConsumerMaxRetries: getEnvInt("CONSUMER_MAX_RETRIES", 3),

		PreferenceCacheTTL: time.Duration(getEnvInt("CACHE_PREFERENCE_TTL_MIN", 10)) * time.Minute,

		RawRetention: time.Duration(getEnvInt("RAW_RETENTION_DAYS", 30)) * 24 * time.Hour,

		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"*"}),
	}

	if cfg.StoreURL == "" {
		return nil, fmt.Errorf("STORE_URL is required")
	}
	return cfg, nil
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "triage"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// =============================================================================
// Env helpers
// =============================================================================

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvSlice(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// getEnvWeights parses "rule,history,model" (e.g. "0.20,0.30,0.50").
func getEnvWeights(key string, fallback LayerWeights) LayerWeights {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	if len(parts) != 3 {
		return fallback
	}
	vals := make([]float64, 3)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || f < 0 {
			return fallback
		}
		vals[i] = f
	}
	return LayerWeights{Rule: vals[0], History: vals[1], Model: vals[2]}
}
