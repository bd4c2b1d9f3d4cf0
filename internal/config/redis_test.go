package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validComponentRedisConfig() RedisConfig {
	return RedisConfig{
		Host:         "localhost",
		Port:         "6379",
		Password:     "secret",
		PoolSize:     50,
		MinIdleConns: 10,
	}
}

func TestRedisConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		mutate      func(c *RedisConfig)
		environment string
		wantErr     string
	}{
		{
			name:        "Should accept an unconfigured Redis section",
			mutate:      func(c *RedisConfig) { *c = RedisConfig{} },
			environment: "production",
		},
		{
			name:        "Should accept a valid component config in development",
			mutate:      func(c *RedisConfig) {},
			environment: "development",
		},
		{
			name: "Should accept a valid URL config",
			mutate: func(c *RedisConfig) {
				*c = RedisConfig{URL: "redis://cache.internal:6379/0", PoolSize: 50}
			},
			environment: "development",
		},
		{
			name: "Should reject a URL with the wrong scheme",
			mutate: func(c *RedisConfig) {
				*c = RedisConfig{URL: "http://cache.internal:6379", PoolSize: 50}
			},
			environment: "development",
			wantErr:     "scheme",
		},
		{
			name:        "Should reject a missing port without a URL",
			mutate:      func(c *RedisConfig) { c.Port = "" },
			environment: "development",
			wantErr:     "port cannot be empty",
		},
		{
			name:        "Should reject min idle connections above pool size",
			mutate:      func(c *RedisConfig) { c.MinIdleConns = 100 },
			environment: "development",
			wantErr:     "cannot exceed pool size",
		},
		{
			name: "Should require TLS in production",
			mutate: func(c *RedisConfig) {
				c.Password = "LongEnoughSecret!"
				c.TLSEnabled = false
			},
			environment: "production",
			wantErr:     "TLS must be enabled",
		},
		{
			name: "Should accept a hardened production config",
			mutate: func(c *RedisConfig) {
				c.Password = "LongEnoughSecret!"
				c.TLSEnabled = true
			},
			environment: "production",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validComponentRedisConfig()
			tt.mutate(&cfg)

			err := cfg.Validate(tt.environment)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestRedisConfig_Address(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "redis://cache/0", (&RedisConfig{URL: "redis://cache/0"}).Address())
	assert.Equal(t, "localhost:6379", (&RedisConfig{Host: "localhost", Port: "6379"}).Address())
}
