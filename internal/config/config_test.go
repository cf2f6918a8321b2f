package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "")
	setEnv(t, "PORT", "")
	setEnv(t, "SERVICE_FEE_RATE", "")
	setEnv(t, "AUTO_ACCEPT_GRACE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultServiceFeeRate, cfg.ServiceFeeRate)
	assert.Equal(t, DefaultAutoAcceptGrace, cfg.AutoAcceptGrace)
	assert.Equal(t, DefaultResponseDeadline, cfg.ResponseDeadline)
	assert.Equal(t, DefaultAppealLimit, cfg.AppealLimit)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "SERVICE_FEE_RATE", "0.1")
	setEnv(t, "AUTO_ACCEPT_GRACE", "24h")
	setEnv(t, "APPEAL_LIMIT", "3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 0.1, cfg.ServiceFeeRate)
	assert.Equal(t, 24*time.Hour, cfg.AutoAcceptGrace)
	assert.Equal(t, 3, cfg.AppealLimit)
}

func TestLoad_ProductionRequiresStripeKey(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "STRIPE_SECRET_KEY", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_SECRET_KEY is required")

	setEnv(t, "STRIPE_SECRET_KEY", "sk_live_test")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				Env:             "development",
				ServiceFeeRate:  0.05,
				AutoAcceptGrace: 72 * time.Hour,
			},
			wantErr: "",
		},
		{
			name: "fee rate too high",
			config: Config{
				Env:             "development",
				ServiceFeeRate:  1.5,
				AutoAcceptGrace: 72 * time.Hour,
			},
			wantErr: "SERVICE_FEE_RATE",
		},
		{
			name: "negative appeal limit",
			config: Config{
				Env:             "development",
				ServiceFeeRate:  0.05,
				AutoAcceptGrace: 72 * time.Hour,
				AppealLimit:     -1,
			},
			wantErr: "APPEAL_LIMIT",
		},
		{
			name: "zero auto accept grace",
			config: Config{
				Env:            "development",
				ServiceFeeRate: 0.05,
			},
			wantErr: "AUTO_ACCEPT_GRACE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
