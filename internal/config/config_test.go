package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"TEST_ALLOWANCE", "MAX_VIOLATIONS", "REQUIRE_FULLSCREEN", "BACKEND_URL", "ALLOWED_ORIGINS"} {
		t.Setenv(k, "")
	}
	cfg := Load()

	assert.Equal(t, 420*time.Second, cfg.TestAllowance)
	assert.Equal(t, 2, cfg.MaxViolations)
	assert.True(t, cfg.RequireFullscreen)
	assert.Equal(t, "http://localhost:5000/api", cfg.BackendURL)
	assert.Nil(t, cfg.AllowedOrigins)
	assert.Equal(t, time.UTC, cfg.SessionTimezone)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TEST_ALLOWANCE", "600")
	t.Setenv("ABANDON_GRACE", "45s")
	t.Setenv("MAX_VIOLATIONS", "3")
	t.Setenv("REQUIRE_FULLSCREEN", "false")
	t.Setenv("BACKEND_URL", "https://backend.example.com/api/")
	t.Setenv("ALLOWED_ORIGINS", " https://a.example.com , ,https://b.example.com")
	t.Setenv("RATE_LIMIT_RPS", "2.5")

	cfg := Load()
	assert.Equal(t, 600*time.Second, cfg.TestAllowance)
	assert.Equal(t, 45*time.Second, cfg.AbandonGrace)
	assert.Equal(t, 3, cfg.MaxViolations)
	assert.False(t, cfg.RequireFullscreen)
	assert.Equal(t, "https://backend.example.com/api", cfg.BackendURL)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, 2.5, cfg.RateLimitRPS)
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{"", time.Minute},
		{"90", 90 * time.Second},
		{"7m", 7 * time.Minute},
		{"-5s", time.Minute},
		{"soon", time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Setenv("PROCTOR_TEST_DURATION", tt.raw)
			assert.Equal(t, tt.want, getEnvDuration("PROCTOR_TEST_DURATION", time.Minute))
		})
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("PROCTOR_TEST_INT", "three")
	t.Setenv("PROCTOR_TEST_BOOL", "maybe")
	t.Setenv("PROCTOR_TEST_TZ", "Mars/Olympus")

	assert.Equal(t, 2, getEnvInt("PROCTOR_TEST_INT", 2))
	assert.True(t, getEnvBool("PROCTOR_TEST_BOOL", true))
	assert.Equal(t, time.UTC, getEnvLocation("PROCTOR_TEST_TZ", time.UTC))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "proctor:session:abc", CacheKey.SessionKey("abc"))
	assert.Equal(t, "proctor:session:abc:events", CacheKey.SessionEventsChannel("abc"))
	assert.NotEqual(t, WorkerKey.PersistSnapshotsQueue, WorkerKey.PersistViolationsQueue)
}
