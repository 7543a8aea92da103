package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores runtime configuration loaded from environment variables.
type Config struct {
	Port     string
	LogMode  string
	Database string

	UploadDir      string
	MaxUploadBytes int64

	GroqKey     string
	GroqBaseURL string
	GroqModel   string

	// SecondaryProvider selects the fallback used on primary rate limits:
	// "openrouter", "gemini" or "none".
	SecondaryProvider string
	OpenRouterKey     string
	OpenRouterBaseURL string
	OpenRouterModel   string
	GeminiKey         string
	GeminiModel       string

	PrimaryTimeout   time.Duration
	SecondaryTimeout time.Duration

	BatchChunkSize   int
	QuizChunkSize    int
	QuizMaxQuestions int
	JobTimeout       time.Duration
	JobRetention     time.Duration

	RedisAddr    string
	RedisChannel string
}

// Load reads configuration from the environment, providing sensible defaults.
func Load() Config {
	// Load .env file if it exists (useful for development)
	_ = godotenv.Load()
	cfg := Config{
		Port:     getEnv("PORT", "8080"),
		LogMode:  getEnv("LOG_MODE", "dev"),
		Database: getEnv("DATABASE_PATH", "./data/study.db"),

		UploadDir:      getEnv("UPLOAD_DIR", "./data/uploads"),
		MaxUploadBytes: int64(getInt("MAX_UPLOAD_BYTES", 10<<20)),

		GroqKey:     os.Getenv("GROQ_API_KEY"),
		GroqBaseURL: getEnv("GROQ_BASE_URL", "https://api.groq.com/openai/v1"),
		GroqModel:   getEnv("GROQ_MODEL", "llama-3.3-70b-versatile"),

		SecondaryProvider: strings.ToLower(getEnv("SECONDARY_PROVIDER", "openrouter")),
		OpenRouterKey:     os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterBaseURL: getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenRouterModel:   getEnv("OPENROUTER_MODEL", "mistralai/mistral-7b-instruct"),
		GeminiKey:         os.Getenv("GEMINI_API_KEY"),
		GeminiModel:       getEnv("GEMINI_MODEL", "gemini-2.0-flash"),

		PrimaryTimeout:   getDuration("PRIMARY_TIMEOUT", 60*time.Second),
		SecondaryTimeout: getDuration("SECONDARY_TIMEOUT", 60*time.Second),

		BatchChunkSize:   getInt("BATCH_CHUNK_SIZE", 3000),
		QuizChunkSize:    getInt("QUIZ_CHUNK_SIZE", 1200),
		QuizMaxQuestions: getInt("QUIZ_MAX_QUESTIONS", 10),
		JobTimeout:       getDuration("JOB_TIMEOUT", 30*time.Minute),
		JobRetention:     getDuration("JOB_RETENTION", time.Hour),

		RedisAddr:    os.Getenv("REDIS_ADDR"),
		RedisChannel: getEnv("REDIS_CHANNEL", "study-events"),
	}

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		log.Fatalf("failed to ensure upload dir %s: %v", cfg.UploadDir, err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0o755); err != nil {
		log.Fatalf("failed to ensure database dir %s: %v", cfg.Database, err)
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return fallback
	}
	return i
}

// getDuration accepts Go duration strings ("90s") or a bare number of seconds.
func getDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
