package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	PaymentCallbackToken  string
	PaymentExpiryMinutes  int
	InsightTTLSeconds     int
	RelayChannelPrefix    string
	RateLimitPerMinute    int
	MemorySnapshotPath    string
}

// LoadDotEnv reads a .env file from the working directory when present.
// Variables already set in the environment win.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] WARN: .env not loaded: %v", err)
	}
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: positiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		PaymentCallbackToken:  strings.TrimSpace(os.Getenv("PAYMENT_CALLBACK_TOKEN")),
		PaymentExpiryMinutes:  positiveInt("PAYMENT_EXPIRY_MINUTES", 15),
		InsightTTLSeconds:     positiveInt("INSIGHT_TTL_SECONDS", 300),
		RelayChannelPrefix:    getEnv("RELAY_CHANNEL_PREFIX", "kasira:events"),
		RateLimitPerMinute:    positiveInt("RATE_LIMIT_PER_MINUTE", 300),
		MemorySnapshotPath:    strings.TrimSpace(os.Getenv("MEMORY_SNAPSHOT_PATH")),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) PaymentExpiry() time.Duration {
	return time.Duration(c.PaymentExpiryMinutes) * time.Minute
}

func (c Config) InsightTTL() time.Duration {
	return time.Duration(c.InsightTTLSeconds) * time.Second
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func positiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
