package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Port:          "8080",
		Environment:   "development",
		JWTSecret:     "secret",
		TokenTTL:      time.Hour,
		SignalBackend: BackendRedis,
		CallTTL:       time.Hour,
		Redis:         RedisConfig{Host: "localhost", Port: "6379", Prefix: "panic_calls"},
		ICE:           ICEConfig{URLs: []string{"stun:stun.l.google.com:19302"}},
	}
}

func TestValidate_Defaults(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	assert.Error(t, c.Validate())
}

func TestValidate_ProductionRejectsDefaultSecret(t *testing.T) {
	c := validConfig()
	c.Environment = "production"
	c.JWTSecret = "change-me-in-production"
	assert.Error(t, c.Validate())
}

func TestValidate_ProductionRejectsMemoryBackend(t *testing.T) {
	c := validConfig()
	c.Environment = "production"
	c.SignalBackend = BackendMemory
	assert.Error(t, c.Validate())
}

func TestValidate_BadICEServer(t *testing.T) {
	c := validConfig()
	c.ICE.URLs = []string{"http://example.com"}
	assert.Error(t, c.Validate())
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SIGNAL_BACKEND", "memory")
	t.Setenv("ALLOWED_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("ICE_SERVERS", "stun:one:3478,turn:two:3478?transport=tcp")
	t.Setenv("CALL_TTL", "30m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, ":9090", cfg.HTTPAddr())
	assert.Equal(t, BackendMemory, cfg.SignalBackend)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins)
	assert.Len(t, cfg.ICE.URLs, 2)
	assert.Equal(t, 30*time.Minute, cfg.CallTTL)
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("CALL_TTL", "soon")
	_, err := Load()
	assert.Error(t, err)
}
