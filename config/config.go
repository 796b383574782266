package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config stores the application configuration for both the hub server and
// the voice client. Values come from the environment (optionally via .env)
// with sensible defaults for local use.
type Config struct {
	// HTTP / WebSocket
	HTTPAddr  string // server listen address, e.g. ":8080"
	ServerURL string // base URL the voice client talks to, e.g. "http://localhost:8080"

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// MySQL (audit persistence, optional)
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// MinIO (clip assets, optional)
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	ClipWatchDir   string // local drop directory watched for new clips; empty disables the watcher

	// Controller credential
	DirectorKeyHash string // bcrypt hash of the director key; empty disables the controller seat
	JWTSecret       string

	// Logging
	LogLevel string
	LogPath  string

	// Voice client
	VoicePart      string // bass, tenor, alto, soprano
	InstanceIDFile string // persisted instance identity
	PCMOutputPath  string // raw PCM sink; "-" for stdout, empty for silent
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvBool gets an environment variable as bool or returns a default value.
func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load will not override variables already present in the environment.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables and defaults.")
	}

	home, _ := os.UserHomeDir()

	return &Config{
		HTTPAddr:  getEnv("HTTP_ADDR", ":8080"),
		ServerURL: getEnv("SERVER_URL", "http://localhost:8080"),

		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		DBHost:     getEnv("DB_HOST", ""),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     getEnv("DB_NAME", "dronechoir"),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getEnv("MINIO_BUCKET", "dronechoir-clips"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		ClipWatchDir:   getEnv("CLIP_WATCH_DIR", ""),

		DirectorKeyHash: getEnv("DIRECTOR_KEY_HASH", ""),
		JWTSecret:       getEnv("JWT_SECRET", "dronechoir-dev-secret"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogPath:  getEnv("LOG_PATH", ""),

		VoicePart:      getEnv("VOICE_PART", "tenor"),
		InstanceIDFile: getEnv("INSTANCE_ID_FILE", filepath.Join(home, ".dronechoir", "instance-id")),
		PCMOutputPath:  getEnv("PCM_OUTPUT", ""),
	}
}
