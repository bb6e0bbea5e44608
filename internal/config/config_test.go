package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "whalewatch", cfg.App.Name)
	assert.Equal(t, 3, cfg.Queue.Attempts)
	assert.Equal(t, 2*time.Second, cfg.Queue.Backoff)
	assert.Equal(t, 60*time.Second, cfg.Pricing.TTL)
	assert.Equal(t, 50000.0, cfg.Pricing.FallbackRate)
	assert.Equal(t, "coingecko", cfg.Pricing.Source)
	assert.Equal(t, "https://blockstream.info/tx/%s", cfg.Notify.ExplorerURL)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("WHALEWATCH_QUEUE_WORKERS", "7")
	t.Setenv("WHALEWATCH_WEBHOOK_AUTH_TOKEN", "secret")
	t.Setenv("WHALEWATCH_PRICING_TTL", "90s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Queue.Workers)
	assert.Equal(t, "secret", cfg.Webhook.AuthToken)
	assert.Equal(t, 90*time.Second, cfg.Pricing.TTL)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "whalewatch.yaml")
	body := []byte(`
queue:
  attempts: 5
  backoff: 1s
notify:
  telegram:
    enabled: true
    bot_token: abc
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Queue.Attempts)
	assert.Equal(t, time.Second, cfg.Queue.Backoff)
	assert.True(t, cfg.Notify.Telegram.Enabled)
	assert.Equal(t, "abc", cfg.Notify.Telegram.BotToken)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"no workers":        func(c *Config) { c.Queue.Workers = 0 },
		"no attempts":       func(c *Config) { c.Queue.Attempts = 0 },
		"bad source":        func(c *Config) { c.Pricing.Source = "oracle" },
		"chainlink no rpc":  func(c *Config) { c.Pricing.Source = "chainlink" },
		"telegram no token": func(c *Config) { c.Notify.Telegram.Enabled = true },
		"smtp no host":      func(c *Config) { c.Notify.SMTP.Enabled = true },
		"zero fallback":     func(c *Config) { c.Pricing.FallbackRate = 0 },
		"no refresh":        func(c *Config) { c.Pricing.RefreshInterval = 0 },
		"negative pending":  func(c *Config) { c.Webhook.MaxPending = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := *base
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
