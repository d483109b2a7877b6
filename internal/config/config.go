package config

import (
	"strings"
	"time"

	"tenderworks/api_prospector/pkg/config"
)

// Config stores environment configuration for Prospector.
type Config struct {
	Port        string
	DatabaseURL string

	LLMProvider  string
	LLMModel     string
	LLMAPIKey    string
	LLMAPIURL    string
	LLMMaxTokens int

	FallbackProvider  string
	FallbackModel     string
	FallbackAPIKey    string
	FallbackAPIURL    string
	FallbackMaxTokens int

	EmbeddingProvider   string
	EmbeddingModel      string
	EmbeddingAPIKey     string
	EmbeddingAPIURL     string
	EmbeddingDimensions int

	ExtractionAPIURL string
	ExtractionAPIKey string
	ExtractionLimit  int

	DeepSearchConcurrency int
	ChunkTokenBudget      int
	ChunkReservedTokens   int
	ChunkTokenOverlap     int

	SearchLimit        int
	MaxHistoryMessages int
	ChatRateLimitHour  int

	UsageKafkaTopic string
	KafkaBrokers    []string
	KafkaClusterID  string

	MeteringFlushInterval time.Duration
}

// ChunkMaxTokens is the effective per-chunk token ceiling: the chunk budget
// minus the tokens reserved for the prompt scaffolding around the chunk.
func (c Config) ChunkMaxTokens() int {
	max := c.ChunkTokenBudget - c.ChunkReservedTokens
	if max < 1 {
		return 1
	}
	return max
}

// LoadConfig loads the Prospector configuration from environment variables.
func LoadConfig() Config {
	return Config{
		Port:        config.GetEnv("PORT", "18020"),
		DatabaseURL: config.RequireEnv("DATABASE_URL"),

		LLMProvider:  config.GetEnv("LLM_PROVIDER", ""),
		LLMModel:     config.GetEnv("LLM_MODEL", ""),
		LLMAPIKey:    config.GetEnv("LLM_API_KEY", ""),
		LLMAPIURL:    config.GetEnv("LLM_API_URL", ""),
		LLMMaxTokens: config.GetEnvInt("LLM_MAX_TOKENS", 4096),

		FallbackProvider:  config.GetEnv("FALLBACK_PROVIDER", "openai"),
		FallbackModel:     config.GetEnv("FALLBACK_MODEL", "gpt-4.1-mini"),
		FallbackAPIKey:    config.GetEnv("FALLBACK_API_KEY", config.GetEnv("LLM_API_KEY", "")),
		FallbackAPIURL:    config.GetEnv("FALLBACK_API_URL", ""),
		FallbackMaxTokens: config.GetEnvInt("FALLBACK_MAX_TOKENS", 4096),

		EmbeddingProvider:   config.GetEnv("EMBEDDING_PROVIDER", config.GetEnv("LLM_PROVIDER", "")),
		EmbeddingModel:      config.GetEnv("EMBEDDING_MODEL", config.GetEnv("LLM_MODEL", "")),
		EmbeddingAPIKey:     config.GetEnv("EMBEDDING_API_KEY", config.GetEnv("LLM_API_KEY", "")),
		EmbeddingAPIURL:     config.GetEnv("EMBEDDING_API_URL", config.GetEnv("LLM_API_URL", "")),
		EmbeddingDimensions: config.GetEnvInt("EMBEDDING_DIMENSIONS", 0),

		ExtractionAPIURL: config.GetEnv("EXTRACTION_API_URL", ""),
		ExtractionAPIKey: config.GetEnv("EXTRACTION_API_KEY", ""),
		ExtractionLimit:  config.GetEnvInt("EXTRACTION_BATCH_LIMIT", 5),

		DeepSearchConcurrency: config.GetEnvInt("DEEPSEARCH_CONCURRENCY", 5),
		ChunkTokenBudget:      config.GetEnvInt("DEEPSEARCH_CHUNK_TOKEN_BUDGET", 20000),
		ChunkReservedTokens:   config.GetEnvInt("DEEPSEARCH_CHUNK_RESERVED", 500),
		ChunkTokenOverlap:     config.GetEnvInt("DEEPSEARCH_CHUNK_OVERLAP", 100),

		SearchLimit:        config.GetEnvInt("PROSPECTOR_SEARCH_LIMIT", 8),
		MaxHistoryMessages: config.GetEnvInt("PROSPECTOR_MAX_HISTORY_MESSAGES", 20),
		ChatRateLimitHour:  config.GetEnvInt("PROSPECTOR_CHAT_RATE_LIMIT_HOUR", 100),

		UsageKafkaTopic: config.GetEnv("USAGE_KAFKA_TOPIC", "billing.usage_reports"),
		KafkaBrokers:    parseList(config.GetEnv("KAFKA_BROKERS", "")),
		KafkaClusterID:  config.GetEnv("KAFKA_CLUSTER_ID", "local"),

		MeteringFlushInterval: parseDuration(config.GetEnv("METERING_FLUSH_INTERVAL", "30s"), 30*time.Second),
	}
}

func parseList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var result []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			result = append(result, item)
		}
	}
	return result
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
