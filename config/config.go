package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppPort     string
	AppMode     string
	LogMode     string
	CORSOrigins []string

	StorageDriver string
	DBHost        string
	DBUser        string
	DBPassword    string
	DBName        string
	DBPort        string
	DBSSLMode     string

	// MemorySeedFile is a JSON file of users and channels loaded when
	// StorageDriver is "memory".
	MemorySeedFile string

	JWTSecret string

	RedisEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// ConversationSecrets is ordered newest first. Index 0 derives new ids.
	ConversationSecrets []string

	SignedKeyTTLDays      int
	UsedKeyRetentionDays  int
	KeySweepInterval      time.Duration
	MaxOneTimeKeys        int
	AllowStatusRegression bool

	WSAuthTimeout    time.Duration
	MessageRateLimit int
	BundleRateLimit  int

	S3Region     string
	S3Bucket     string
	S3AccessKey  string
	S3SecretKey  string
	S3Endpoint   string
	S3PresignTTL time.Duration
}

func LoadConfig() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		AppPort: getEnv("APP_PORT", "8080"),
		AppMode: getEnv("APP_MODE", "debug"),
		LogMode: getEnv("LOG_MODE", "development"),

		CORSOrigins: getEnvAsList("CORS_ORIGINS", []string{"*"}),

		StorageDriver: getEnv("STORAGE_DRIVER", "postgres"),
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBUser:        getEnv("DB_USER", "postgres"),
		DBPassword:    getEnv("DB_PASSWORD", "postgres"),
		DBName:        getEnv("DB_NAME", "sealed_relay"),
		DBPort:        getEnv("DB_PORT", "5432"),
		DBSSLMode:     getEnv("DB_SSLMODE", "disable"),

		MemorySeedFile: getEnv("MEMORY_SEED_FILE", ""),

		JWTSecret: getEnv("JWT_SECRET", "change-me"),

		RedisEnabled:  getEnvAsBool("REDIS_ENABLED", true),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		ConversationSecrets: getEnvAsList("CONVERSATION_ID_SECRETS", []string{"change-me-conversation-secret"}),

		SignedKeyTTLDays:      getEnvAsInt("SIGNED_KEY_TTL_DAYS", 30),
		UsedKeyRetentionDays:  getEnvAsInt("USED_KEY_RETENTION_DAYS", 7),
		KeySweepInterval:      getEnvAsDuration("KEY_SWEEP_INTERVAL", time.Hour),
		MaxOneTimeKeys:        getEnvAsInt("MAX_ONE_TIME_KEYS", 200),
		AllowStatusRegression: getEnvAsBool("ALLOW_STATUS_REGRESSION", false),

		WSAuthTimeout:    getEnvAsDuration("WS_AUTH_TIMEOUT", 10*time.Second),
		MessageRateLimit: getEnvAsInt("MESSAGE_RATE_LIMIT", 60),
		BundleRateLimit:  getEnvAsInt("BUNDLE_RATE_LIMIT", 30),

		S3Region:     getEnv("S3_REGION", ""),
		S3Bucket:     getEnv("S3_BUCKET", ""),
		S3AccessKey:  getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:  getEnv("S3_SECRET_KEY", ""),
		S3Endpoint:   getEnv("S3_ENDPOINT", ""),
		S3PresignTTL: getEnvAsDuration("S3_PRESIGN_TTL", 15*time.Minute),
	}
}

// S3Enabled reports whether object storage settings are present.
func (c *Config) S3Enabled() bool {
	return c.S3Region != "" && c.S3Bucket != ""
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsList(key string, fallback []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
