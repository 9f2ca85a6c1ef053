// Package config loads orchestratord settings from the environment.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	Port             string
	RoutesFile       string
	BaseURL          string
	DatabaseURL      string
	AnalyticsTable   string
	RedisURL         string
	RedisToken       string
	AllowOrigins     []string
	LogLevel         string
	Debug            bool
	Deduplication    bool
	BatchConcurrency int
	ShutdownTimeout  time.Duration
}

// Load reads .env files (if present) and then the environment.
func Load(envFiles ...string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load(envFiles...)

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		RoutesFile:     getEnv("ROUTES_FILE", "routes.yaml"),
		BaseURL:        getEnv("BASE_URL", ""),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		AnalyticsTable: getEnv("ANALYTICS_TABLE", "orchestrator_events"),
		RedisURL:       getEnv("REDIS_URL", ""),
		RedisToken:     getEnv("REDIS_TOKEN", ""),
		AllowOrigins:   splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}

	var problems []string

	debug, err := strconv.ParseBool(getEnv("DEBUG", "false"))
	if err != nil {
		problems = append(problems, fmt.Sprintf("DEBUG: %v", err))
	}
	cfg.Debug = debug

	dedup, err := strconv.ParseBool(getEnv("DEDUPLICATION", "true"))
	if err != nil {
		problems = append(problems, fmt.Sprintf("DEDUPLICATION: %v", err))
	}
	cfg.Deduplication = dedup

	concurrency, err := strconv.Atoi(getEnv("BATCH_CONCURRENCY", "10"))
	if err != nil || concurrency <= 0 {
		problems = append(problems, "BATCH_CONCURRENCY must be a positive integer")
	}
	cfg.BatchConcurrency = concurrency

	shutdown, err := time.ParseDuration(getEnv("SHUTDOWN_TIMEOUT", "30s"))
	if err != nil {
		problems = append(problems, fmt.Sprintf("SHUTDOWN_TIMEOUT: %v", err))
	}
	cfg.ShutdownTimeout = shutdown

	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSuffix(strings.TrimSpace(item), "/")
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

func NewRedisClient(ctx context.Context, redisURL, token string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	if token != "" {
		opts.Password = token
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}
