package main

import (
	"log"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/contactsync/internal/fakeserver"
)

func main() {
	addr := os.Getenv("CONTACTD_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	server := fakeserver.New(serverConfigFromEnv())
	defer server.Close()

	log.Printf("contactd listening on %s (app key %s)", addr, server.AppKey())
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func serverConfigFromEnv() fakeserver.Config {
	return fakeserver.Config{
		AppKey:          strings.TrimSpace(os.Getenv("CONTACTD_APP_KEY")),
		AppToken:        strings.TrimSpace(os.Getenv("CONTACTD_APP_TOKEN")),
		JWTSecret:       os.Getenv("CONTACTD_JWT_SECRET"),
		TokenTTL:        durationEnv("CONTACTD_TOKEN_TTL", time.Hour),
		RateLimitMax:    intEnv("CONTACTD_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("CONTACTD_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("CONTACTD_MAX_BODY_BYTES", 0),
		Logger:          slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelEnv("CONTACTD_LOG_LEVEL")})),
	}
}

func levelEnv(name string) slog.Level {
	var level slog.Level
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return slog.LevelInfo
	}
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		log.Printf("invalid %s=%q, using info", name, raw)
		return slog.LevelInfo
	}
	return level
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
