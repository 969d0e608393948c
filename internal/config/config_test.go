package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "launchpad.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"agent": {"endpoint": "https://agent.example/launch"},
		"web3": {"chain_config": "chains.yaml"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "dynamic", cfg.Funding.Mode)
	assert.Equal(t, "0.0006", cfg.Funding.BaseBudget)
	assert.InDelta(t, 1.5, cfg.Funding.SafetyMultiplier, 1e-9)
	assert.Equal(t, uint64(150000), cfg.Funding.GasUnits)
	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 90*time.Second, cfg.Dispatch.AttemptTimeout)
	assert.Equal(t, int64(6600), cfg.Payment.MinOutRatioBps)
	assert.Equal(t, "background", cfg.Sweep.Mode)
	assert.Equal(t, "launchpad:burner:", cfg.Storage.Redis.Prefix)
	assert.Equal(t, 5*time.Second, cfg.Notify.Webhook.Timeout)
	assert.Empty(t, cfg.Notify.Webhook.URL)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "chains.yaml"), cfg.Web3.ChainConfig)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "data"), cfg.Runtime.DataDir)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `{
		"agent": {"endpoint": "https://agent.example/launch"},
		"dispatch": {"max_attempts": 2, "attempt_timeout": "30s"}
	}`)
	t.Setenv("LAUNCHPAD_DISPATCH__MAX_ATTEMPTS", "5")
	t.Setenv("LAUNCHPAD_SWEEP__MODE", "sync")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.AttemptTimeout)
	assert.Equal(t, "sync", cfg.Sweep.Mode)
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"missing agent endpoint": `{}`,
		"unknown storage driver": `{"agent": {"endpoint": "https://a.example"}, "storage": {"driver": "sqlite"}}`,
		"mysql without dsn":      `{"agent": {"endpoint": "https://a.example"}, "storage": {"driver": "mysql"}}`,
		"rabbitmq without url":   `{"agent": {"endpoint": "https://a.example"}, "notify": {"rabbitmq": {"enabled": true}}}`,
		"fixed without amount":   `{"agent": {"endpoint": "https://a.example"}, "funding": {"mode": "fixed"}}`,
		"bad sweep mode":         `{"agent": {"endpoint": "https://a.example"}, "sweep": {"mode": "later"}}`,
		"bad webhook url":        `{"agent": {"endpoint": "https://a.example"}, "notify": {"webhook": {"url": "not a url"}}}`,
		"session without key":    `{"agent": {"endpoint": "https://a.example"}, "sessions": [{"token": "abc"}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}
