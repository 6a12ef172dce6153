package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	App       AppConfig
	Upstream  UpstreamConfig
	Cache     CacheConfig
	Synthesis SynthesisConfig
}

type AppConfig struct {
	Port               string
	Environment        string
	LogFilePath        string
	CorsAllowedOrigins string
	FallbackGreeting   string
}

type UpstreamConfig struct {
	URL string
}

type CacheConfig struct {
	RedisURL string
}

type SynthesisConfig struct {
	Region  string
	APIKey  string
	VoiceID string
	// Endpoint overrides the region-derived engine URL (self-hosted engines).
	Endpoint string
	// MaxConcurrent bounds simultaneous engine calls.
	MaxConcurrent int
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, usage system environment")
	}

	return &Config{
		App: AppConfig{
			Port:               getEnv("APP_PORT", "8090"),
			Environment:        getEnv("GO_ENV", "development"),
			LogFilePath:        getEnv("LOG_FILE_PATH", "relay.log"),
			CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
			FallbackGreeting:   getEnv("FALLBACK_GREETING", "Hello! I'm connecting to the assistant, one moment please."),
		},
		Upstream: UpstreamConfig{
			URL: getEnv("UPSTREAM_URL", "ws://localhost:8765/ws"),
		},
		Cache: CacheConfig{
			RedisURL: getEnv("REDIS_URL", "redis://localhost:6379"),
		},
		Synthesis: SynthesisConfig{
			Region:        getEnv("SYNTH_REGION", "us-east-1"),
			APIKey:        getEnv("SYNTH_API_KEY", ""),
			VoiceID:       getEnv("SYNTH_VOICE_ID", "Joanna"),
			Endpoint:      getEnv("SYNTH_ENDPOINT", ""),
			MaxConcurrent: getEnvAsInt("SYNTH_MAX_CONCURRENT", 4),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}
