package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("GATEWAY_SECRET_KEY", "sk_test_abc")
	t.Setenv("GATEWAY_WEBHOOK_SECRET", "whsec_abc")
	t.Setenv("STREAK_SECRET", "streak_abc")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultGatewayBaseURL, cfg.GatewayBaseURL)
	assert.Equal(t, DefaultMaxRetries, cfg.GatewayMaxRetries)
	assert.Equal(t, DefaultFeePercent, cfg.PlatformFeePercent)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("PLATFORM_FEE_PERCENT", "3.5")
	t.Setenv("GATEWAY_MAX_RETRIES", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 3.5, cfg.PlatformFeePercent)
	assert.Equal(t, 5, cfg.GatewayMaxRetries)
}

func TestValidateMissingSecrets(t *testing.T) {
	tests := []struct {
		name  string
		unset string
	}{
		{"gateway secret", "GATEWAY_SECRET_KEY"},
		{"webhook secret", "GATEWAY_WEBHOOK_SECRET"},
		{"streak secret", "STREAK_SECRET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.unset, "")

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestValidateFeeBounds(t *testing.T) {
	setRequired(t)

	for _, pct := range []string{"2.9", "6.1", "0", "50"} {
		t.Setenv("PLATFORM_FEE_PERCENT", pct)
		_, err := Load()
		assert.Error(t, err, "fee percent %s should be rejected", pct)
	}

	for _, pct := range []string{"3", "5", "6"} {
		t.Setenv("PLATFORM_FEE_PERCENT", pct)
		_, err := Load()
		assert.NoError(t, err, "fee percent %s should be accepted", pct)
	}
}
