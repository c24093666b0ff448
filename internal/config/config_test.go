package config

import (
	"os"
	"testing"

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

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "JWT_SECRET", "test-secret")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultSignupGrant, cfg.SignupGrantHours)
	assert.Equal(t, DefaultMinOfferHours, cfg.MinOfferHours)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPS)
}

func TestLoad_MissingJWTSecret(t *testing.T) {
	setEnv(t, "JWT_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
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
				JWTSecret:            "secret",
				SignupGrantHours:     "3.00",
				MinOfferHours:        "0.50",
				ReconcileIntervalSec: 30,
			},
			wantErr: "",
		},
		{
			name: "missing jwt secret",
			config: Config{
				SignupGrantHours:     "3.00",
				MinOfferHours:        "0.50",
				ReconcileIntervalSec: 30,
			},
			wantErr: "JWT_SECRET is required",
		},
		{
			name: "malformed signup grant",
			config: Config{
				JWTSecret:            "secret",
				SignupGrantHours:     "three",
				MinOfferHours:        "0.50",
				ReconcileIntervalSec: 30,
			},
			wantErr: "SIGNUP_GRANT_HOURS",
		},
		{
			name: "malformed min offer",
			config: Config{
				JWTSecret:            "secret",
				SignupGrantHours:     "3.00",
				MinOfferHours:        "0.5.0",
				ReconcileIntervalSec: 30,
			},
			wantErr: "MIN_OFFER_HOURS",
		},
		{
			name: "zero reconcile interval",
			config: Config{
				JWTSecret:            "secret",
				SignupGrantHours:     "3.00",
				MinOfferHours:        "0.50",
				ReconcileIntervalSec: 0,
			},
			wantErr: "RECONCILE_INTERVAL_SEC",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, 42, getEnvInt("TEST_INT", 0))
	assert.Equal(t, 99, getEnvInt("NONEXISTENT_VAR", 99))
	assert.Equal(t, 99, getEnvInt("TEST_INVALID", 99)) // Falls back on parse error
}
