package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL  string
	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	BucketName   string

	EmbedProvider    string // "gemini" or "ollama"
	AIAPIKey         string
	EmbedModel       string
	EmbedDim         int
	OllamaURL        string
	OllamaEmbedModel string
	EmbedRPS         int
	EmbedCacheCap    int

	TargetChunkSize   int
	ChunkOverlap      int
	FragmentsPerBatch int
	UpsertGroupSize   int
	UpsertFallback    int
	VectorDeleteLimit int

	InvocationBudget time.Duration
	WorkerPoolSize   int
	AutoResume       bool

	Port string
}

// LoadConfig loads the environment variables and returns config
func LoadConfig() *Config {

	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		AwsAccessKey: getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey: getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:    getEnv("AWS_REGION", "us-east-2"),
		BucketName:   getEnv("BUCKET_NAME", "docgrove-docs"),

		EmbedProvider:    getEnv("EMBED_PROVIDER", "gemini"),
		AIAPIKey:         getEnv("GEMINI_API_KEY", ""),
		EmbedModel:       getEnv("EMBED_MODEL", "text-embedding-004"),
		EmbedDim:         getEnvInt("EMBED_DIM", 768),
		OllamaURL:        getEnv("OLLAMA_URL", "http://localhost:11434"),
		OllamaEmbedModel: getEnv("OLLAMA_EMBED_MODEL", "nomic-embed-text:latest"),
		EmbedRPS:         getEnvInt("EMBED_RPS", 2),
		EmbedCacheCap:    getEnvInt("EMBED_CACHE_CAP", 8192),

		TargetChunkSize:   getEnvInt("TARGET_CHUNK_SIZE", 2000),
		ChunkOverlap:      getEnvInt("CHUNK_OVERLAP", 200),
		FragmentsPerBatch: getEnvInt("FRAGMENTS_PER_BATCH", 20),
		UpsertGroupSize:   getEnvInt("UPSERT_GROUP_SIZE", 40),
		UpsertFallback:    getEnvInt("UPSERT_FALLBACK_SIZE", 20),
		VectorDeleteLimit: getEnvInt("VECTOR_DELETE_LIMIT", 100),

		InvocationBudget: time.Duration(getEnvInt("INVOCATION_BUDGET_MS", 8000)) * time.Millisecond,
		WorkerPoolSize:   getEnvInt("WORKER_POOL_SIZE", 4),
		AutoResume:       getEnvBool("AUTO_RESUME", true),

		Port: getEnv("PORT", "8080"),
	}

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL not set")
	}

	return cfg
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
		log.Printf("WARN: %s=%q not an int, using default %d", key, v, def)
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("WARN: %s=%q not a bool, using default %t", key, v, def)
		return def
	}
	return b
}
