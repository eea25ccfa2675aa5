package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	AppEnv                string
	DatabaseURL           string
	DatabaseMigrate       bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	IdempotencyTTLSeconds int
	AuthSecret            string
	ManagerPIN            string
	LogLevel              string
	LogEncoding           string
	DefaultRangeDays      int
	RiskThresholdDays     int
	MovementMaxAttempts   int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		AppEnv:                strings.ToLower(getEnv("APP_ENV", "production")),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		DatabaseMigrate:       getBool("DATABASE_MIGRATE", false),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		IdempotencyTTLSeconds: getPositiveInt("IDEMPOTENCY_TTL_SECONDS", 86400),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		LogLevel:              strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogEncoding:           strings.ToLower(getEnv("LOG_ENCODING", "json")),
		DefaultRangeDays:      getPositiveInt("DEFAULT_RANGE_DAYS", 30),
		RiskThresholdDays:     getPositiveInt("RISK_THRESHOLD_DAYS", 3),
		MovementMaxAttempts:   getPositiveInt("MOVEMENT_MAX_ATTEMPTS", 3),
	}
	if cfg.DefaultRangeDays > 365 {
		cfg.DefaultRangeDays = 365
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) Development() bool {
	return c.AppEnv == "development" || c.AppEnv == "dev"
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < 1 {
		return fallback
	}
	return val
}

func getBool(key string, fallback bool) bool {
	val, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return val
}
