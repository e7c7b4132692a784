package main

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Ranponim/kpi-frontend-sub001/internal/httpapi"
)

func main() {
	logger, err := buildLogger()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	addr := os.Getenv("KPIPREF_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	repo, err := buildRepoFromEnv()
	if err != nil {
		logger.Fatal("failed to initialize preference repository", zap.Error(err))
	}
	kpi := buildKPIDatabaseFromEnv()

	server := httpapi.NewServerWithConfig(repo, kpi, httpapi.ServerConfig{
		Token:           os.Getenv("KPIPREF_TOKEN"),
		RateLimitMax:    intEnv("KPIPREF_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("KPIPREF_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("KPIPREF_MAX_BODY_BYTES", 0),
		Logger:          logger,
	})
	defer server.Hub().Close()

	logger.Info("preference server listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, server); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func buildLogger() (*zap.Logger, error) {
	if strings.EqualFold(os.Getenv("KPIPREF_LOG_MODE"), "development") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func buildRepoFromEnv() (httpapi.PreferenceRepo, error) {
	dsn := strings.TrimSpace(os.Getenv("KPIPREF_POSTGRES_DSN"))
	if dsn == "" {
		return httpapi.NewMemoryRepo(), nil
	}
	return httpapi.NewPostgresRepo(dsn)
}

func buildKPIDatabaseFromEnv() httpapi.KPIDatabase {
	if strings.EqualFold(os.Getenv("KPIPREF_DB_PROBES"), "off") {
		return nil
	}
	return httpapi.NewPostgresKPIDatabase()
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
