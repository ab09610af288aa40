package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	MongoURI     string
	MongoDB      string
	GeminiAPIKey string
	JWTSecret    string
	HTTPPort     string
	Env          string
	LogLevel     string
}

// Load reads the optional .env file and the environment. The Mongo URI,
// Gemini API key and JWT secret have no sane defaults and must be present.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, relying on environment variables")
	}

	cfg := Config{
		MongoURI:     getEnv("MONGODB_URI", ""),
		MongoDB:      getEnv("MONGODB_DB", "lovable"),
		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		JWTSecret:    getEnv("JWT_SECRET", ""),
		HTTPPort:     getEnv("HTTP_PORT", "8080"),
		Env:          getEnv("APP_ENV", "dev"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}

	if cfg.MongoURI == "" {
		return Config{}, fmt.Errorf("MONGODB_URI environment variable is required")
	}
	if cfg.GeminiAPIKey == "" {
		return Config{}, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	return cfg, nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
