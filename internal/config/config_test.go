package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("marketplace:\n  owner: alice\n"))
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Marketplace.Owner)
	assert.Equal(t, 2, cfg.Marketplace.PlatformFeePercent)
	assert.Equal(t, PayoutModeLedger, cfg.Payouts.Mode)
	assert.Equal(t, 5*time.Second, cfg.Payouts.IntervalDuration())
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("owner-1", 7)))
	require.NoError(t, err)
	assert.Equal(t, "owner-1", cfg.Marketplace.Owner)
	assert.Equal(t, 7, cfg.Marketplace.PlatformFeePercent)
	assert.Empty(t, cfg.Webhooks)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"fee above 100":       "marketplace:\n  platform_fee_percent: 101\n",
		"negative fee":        "marketplace:\n  platform_fee_percent: -1\n",
		"unknown mode":        "payouts:\n  mode: wire\n",
		"webhook mode no url": "payouts:\n  mode: webhook\n",
		"bad interval":        "payouts:\n  interval: soon\n",
		"webhook bad url":     "webhooks:\n  - url: ftp://x\n",
		"bad log level":       "logging:\n  level: loud\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(t.TempDir())
	assert.ErrorContains(t, err, "not found")
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	doc := "marketplace:\n  owner: bob\n  platform_fee_percent: 10\nwebhooks:\n  - url: http://localhost:9999/hook\n    events: [JobCompleted]\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(doc), 0o644))
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Marketplace.PlatformFeePercent)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"JobCompleted"}, cfg.Webhooks[0].Events)
}

func TestServeEnvOverlay(t *testing.T) {
	t.Setenv("JOBLEDGER_JWT_SECRET", "jwt")
	t.Setenv("JOBLEDGER_PAYOUT_URL", "https://pay.example.com/disburse")
	t.Setenv("JOBLEDGER_PAYOUT_SECRET", "shh")
	t.Setenv("JOBLEDGER_LOG_FORMAT", "json")

	e, err := ParseServeEnv()
	require.NoError(t, err)
	assert.Equal(t, "jwt", e.JWTSecret)

	cfg := Default()
	e.Apply(cfg)
	assert.Equal(t, PayoutModeWebhook, cfg.Payouts.Mode)
	assert.Equal(t, "https://pay.example.com/disburse", cfg.Payouts.URL)
	assert.Equal(t, "shh", cfg.Payouts.Secret)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.NoError(t, cfg.Validate())
}
