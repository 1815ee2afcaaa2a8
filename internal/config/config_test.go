package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/keyrelay_test")
	t.Setenv("API_JWT_SECRET", "test-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/keyrelay_test", cfg.DatabaseURL)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "test-secret", cfg.JWTSecret)
	assert.Equal(t, 7*24*time.Hour, cfg.GracePeriod)
	assert.Equal(t, 5*time.Second, cfg.KeyAPITimeout)
	assert.Equal(t, 30*24*time.Hour, cfg.UsageWindow)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9000")
	t.Setenv("PROFILE_DELETE_DELAY_DAYS", "14")
	t.Setenv("KEY_API_TIMEOUT_SECONDS", "10")
	t.Setenv("USAGE_WINDOW_DAYS", "7")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, 14*24*time.Hour, cfg.GracePeriod)
	assert.Equal(t, 10*time.Second, cfg.KeyAPITimeout)
	assert.Equal(t, 7*24*time.Hour, cfg.UsageWindow)
}

func TestLoadMissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("API_JWT_SECRET", "test-secret")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoadMissingJWTSecret(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/keyrelay_test")
	t.Setenv("API_JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API_JWT_SECRET")
}

func TestLoadRejectsBadInteger(t *testing.T) {
	setRequired(t)
	t.Setenv("PROFILE_DELETE_DELAY_DAYS", "soon")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsNegativeInteger(t *testing.T) {
	setRequired(t)
	t.Setenv("KEY_API_TIMEOUT_SECONDS", "-1")

	_, err := Load()
	assert.Error(t, err)
}
