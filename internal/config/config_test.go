package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8090", cfg.Server.Listen)
	assert.Equal(t, 5*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, time.Minute, cfg.Session.ReapInterval)
	assert.Equal(t, 60*time.Second, cfg.Session.AnswerTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Session.CheckpointTimeout)
	assert.Equal(t, 20*time.Minute, cfg.Portal.TTL)
	assert.Equal(t, 30*time.Second, cfg.Portal.SweepInterval)
	assert.Equal(t, 15, cfg.Quota.DailyBase)
	assert.Equal(t, []int{1, 1, 2, 2, 3, 3, 5}, cfg.Quota.StreakBonus)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 90*time.Second, cfg.Browser.NavigationTimeout)
}

func TestNewConfigFromViper(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("server.listen", ":9999")
	v.Set("quota.daily_base", 5)

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Listen)
	assert.Equal(t, 5, cfg.Quota.DailyBase)
}

func TestSigningKeyFromEnv(t *testing.T) {
	t.Setenv("APPLYPILOT_PORTAL_SIGNING_KEY", "secret-from-env")

	v := viper.New()
	SetDefaults(v)
	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "secret-from-env", cfg.Portal.SigningKey)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero idle timeout", func(c *Config) { c.Session.IdleTimeout = 0 }},
		{"zero answer timeout", func(c *Config) { c.Session.AnswerTimeout = 0 }},
		{"zero portal ttl", func(c *Config) { c.Portal.TTL = 0 }},
		{"zero daily base", func(c *Config) { c.Quota.DailyBase = 0 }},
		{"empty streak bonus", func(c *Config) { c.Quota.StreakBonus = nil }},
		{"zero action rate", func(c *Config) { c.Browser.ActionRate = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
