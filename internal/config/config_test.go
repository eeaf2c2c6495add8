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

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "PAYMENT_PROVIDER", "paystack")
	setEnv(t, "DEFAULT_TRADE_WINDOW_MINUTES", "45")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "paystack", cfg.PaymentProvider)
	assert.Equal(t, DefaultPaystackBaseURL, cfg.PaystackBaseURL)
	assert.Equal(t, 45*time.Minute, cfg.DefaultTradeWindow)
}

func TestLoad_InvalidProvider(t *testing.T) {
	setEnv(t, "PAYMENT_PROVIDER", "flutterwave")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "PAYMENT_PROVIDER")
}

func TestConfig_Validate(t *testing.T) {
	base := func() Config {
		return Config{
			Env:                "development",
			PaymentProvider:    "paystack",
			DefaultTradeWindow: 30 * time.Minute,
			MaxTradeWindow:     180 * time.Minute,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid development config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name: "production requires admin secret",
			mutate: func(c *Config) {
				c.Env = "production"
				c.PaystackSecret = "sk_live_x"
			},
			wantErr: "ADMIN_SECRET",
		},
		{
			name: "production paystack requires secret key",
			mutate: func(c *Config) {
				c.Env = "production"
				c.AdminSecret = "s3cret"
			},
			wantErr: "PAYSTACK_SECRET_KEY",
		},
		{
			name: "production stripe requires secret key",
			mutate: func(c *Config) {
				c.Env = "production"
				c.AdminSecret = "s3cret"
				c.PaymentProvider = "stripe"
			},
			wantErr: "STRIPE_SECRET_KEY",
		},
		{
			name: "trade window must not exceed max",
			mutate: func(c *Config) {
				c.DefaultTradeWindow = 200 * time.Minute
			},
			wantErr: "DEFAULT_TRADE_WINDOW_MINUTES",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
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

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}
