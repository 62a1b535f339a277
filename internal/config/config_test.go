package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

const tomlConfig = `
[api]
base_url = "http://backend.test"
app_key = "app-key"
timeout = "5s"

[contact]
locale = "de-AT"
max_resolve_age = "2m"

[remote_data]
disabled_sources = ["contact"]
`

const yamlConfig = `
api:
  app_key: app-key
  platform: linux
run:
  interval: 1m
  jitter: 0.1
log:
  format: json
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseTOML(t *testing.T) {
	cfg, err := Parse("config.toml", []byte(tomlConfig))
	require.NoError(t, err)
	cfg.applyDefaults()

	assert.Equal(t, "http://backend.test", cfg.API.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.API.Timeout.Std())
	assert.Equal(t, 2*time.Minute, cfg.Contact.MaxResolveAge.Std())
	assert.Equal(t, 60*time.Second, cfg.Contact.ForegroundResolveInterval.Std())
	assert.Equal(t, []string{"contact"}, cfg.RemoteData.DisabledSources)
	assert.Equal(t, "go", cfg.API.Platform)

	tag, err := cfg.LocaleTag()
	require.NoError(t, err)
	assert.Equal(t, language.MustParse("de-AT"), tag)
}

func TestParseYAML(t *testing.T) {
	cfg, err := Parse("config.yml", []byte(yamlConfig))
	require.NoError(t, err)
	cfg.applyDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "linux", cfg.API.Platform)
	assert.Equal(t, time.Minute, cfg.Run.Interval.Std())
	assert.InDelta(t, 0.1, cfg.Run.Jitter, 1e-9)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestParseRejectsUnknownExtension(t *testing.T) {
	_, err := Parse("config.ini", []byte("x=1"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, err := Parse("config.yaml", []byte("api:\n  timeout: soon\n"))
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"CONTACTSYNC_APP_KEY":          "env-key",
		"CONTACTSYNC_MAX_RESOLVE_AGE":  "30s",
		"CONTACTSYNC_LOG_CAPACITY":     "50",
		"CONTACTSYNC_DISABLED_SOURCES": "app, contact,",
	}
	cfg, err := Parse("config.toml", []byte(tomlConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.ApplyEnv(func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}))

	assert.Equal(t, "env-key", cfg.API.AppKey)
	assert.Equal(t, 30*time.Second, cfg.Contact.MaxResolveAge.Std())
	assert.Equal(t, 50, cfg.Storage.LogCapacity)
	assert.Equal(t, []string{"app", "contact"}, cfg.RemoteData.DisabledSources)
}

func TestApplyEnvReportsEveryBadValue(t *testing.T) {
	var cfg Config
	err := cfg.ApplyEnv(func(name string) (string, bool) {
		switch name {
		case "CONTACTSYNC_LOG_CAPACITY":
			return "many", true
		case "CONTACTSYNC_RUN_INTERVAL":
			return "often", true
		}
		return "", false
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "LOG_CAPACITY")
	assert.Contains(t, err.Error(), "RUN_INTERVAL")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)

	cfg.API.AppKey = "app-key"
	require.NoError(t, cfg.Validate())

	cfg.Contact.Locale = "not a locale!"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.API.AppKey = "app-key"
	cfg.RemoteData.DisabledSources = []string{"contact"}
	for _, ext := range []string{"toml", "yaml"} {
		data, err := Marshal(cfg, ext)
		require.NoError(t, err)
		parsed, err := Parse("config."+ext, data)
		require.NoError(t, err)
		assert.Equal(t, cfg, parsed, ext)
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeFile(t, "contactsync.yaml", "api:\n  app_key: first\n")
	changes := make(chan Config, 4)
	w := NewWatcher(path, func(cfg Config) { changes <- cfg }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("api:\n  app_key: second\n"), 0o600))

	select {
	case cfg := <-changes:
		assert.Equal(t, "second", cfg.API.AppKey)
	case <-time.After(3 * time.Second):
		t.Fatalf("expected reload")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
