package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "DB_PATH", "SESSION_TTL", "CACHE_TTL", "OPENAI_MODEL", "NATS_URL", "RATE_LIMIT_REQUESTS"} {
		t.Setenv(key, "")
	}
	t.Setenv("PORT", "8080")
	t.Setenv("DB_PATH", "./data/tripchat.db")
	t.Setenv("OPENAI_MODEL", "gpt-4o-mini")
	t.Setenv("RATE_LIMIT_REQUESTS", "20")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 60*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
	assert.Equal(t, "gpt-4o-mini", cfg.OpenAI.Model)
	assert.Empty(t, cfg.NATS.URL)
	assert.Equal(t, 20, cfg.RateLimit.RequestsPerWindow)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DEBOUNCE_INTERVAL", "250ms")
	t.Setenv("GENERATION_TIMEOUT", "45s")
	t.Setenv("SSE_KEEPALIVE_INTERVAL", "not-a-duration")
	t.Setenv("CONVERSATION_LOG_ENABLED", "off")
	t.Setenv("MAX_REQUEST_BODY_SIZE", "2048")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.DebounceInterval)
	assert.Equal(t, 45*time.Second, cfg.GenerationTimeout)
	assert.Equal(t, 10*time.Second, cfg.SSE.KeepaliveInterval, "bad durations fall back")
	assert.False(t, cfg.ConversationLog.Enabled)
	assert.Equal(t, int64(2048), cfg.SSE.MaxRequestBodySize)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("PORT", "")
	_, err := Load()
	assert.ErrorContains(t, err, "PORT")
}

func TestIsDevelopment(t *testing.T) {
	assert.True(t, (&Config{}).IsDevelopment())
	assert.True(t, (&Config{FrontendURL: "http://localhost:5173"}).IsDevelopment())
	assert.False(t, (&Config{FrontendURL: "https://trips.example.com"}).IsDevelopment())
	assert.Equal(t, []string{"https://trips.example.com"}, (&Config{FrontendURL: "https://trips.example.com"}).AllowedOrigins())
}
