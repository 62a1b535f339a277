package main

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/contactsync/internal/fakeserver"
)

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("CONTACTD_TEST_INT_BAD", "not-a-number")
	if got := intEnv("CONTACTD_TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("CONTACTD_TEST_DURATION", "150ms")
	if got := durationEnv("CONTACTD_TEST_DURATION", time.Second); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestLevelEnv(t *testing.T) {
	t.Setenv("CONTACTD_TEST_LEVEL", "debug")
	if got := levelEnv("CONTACTD_TEST_LEVEL"); got != slog.LevelDebug {
		t.Fatalf("expected debug, got %s", got)
	}
	t.Setenv("CONTACTD_TEST_LEVEL", "loud")
	if got := levelEnv("CONTACTD_TEST_LEVEL"); got != slog.LevelInfo {
		t.Fatalf("expected info fallback, got %s", got)
	}
}

func TestServerConfigFromEnv(t *testing.T) {
	t.Setenv("CONTACTD_APP_KEY", "env-app")
	t.Setenv("CONTACTD_APP_TOKEN", "env-token")
	t.Setenv("CONTACTD_RATE_LIMIT_MAX", "1")
	t.Setenv("CONTACTD_TOKEN_TTL", "2m")
	t.Setenv("CONTACTD_MAX_BODY_BYTES", "2048")

	cfg := serverConfigFromEnv()
	if cfg.AppKey != "env-app" || cfg.AppToken != "env-token" {
		t.Fatalf("unexpected credentials %q %q", cfg.AppKey, cfg.AppToken)
	}
	if cfg.TokenTTL != 2*time.Minute || cfg.MaxBodyBytes != 2048 {
		t.Fatalf("unexpected limits %+v", cfg)
	}

	server := fakeserver.New(cfg)
	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/contacts/identify/v2",
			strings.NewReader(`{"device_info":{"channel_id":"c1"},"action":{"type":"resolve"}}`))
		req.Header.Set("Authorization", "Bearer env-token")
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := send(); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 from the env rate limit, got %d", code)
	}
}
