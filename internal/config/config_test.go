package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseYAML = `
server:
  port: ":8080"
db:
  host: localhost
  port: 5432
  user: milestonepay
  password: "${DB_PASSWORD}"
  name: milestonepay
processor:
  base_url: "https://processor.example"
  secret_key: "sk_test"
  webhook_secret: "whsec_test"
  timeout: 3s
payments:
  fee_rate: "0.10"
onboarding:
  app_base_url: "https://app.example"
jwt:
  secret: "jwt-test-secret"
reconcile:
  stale_after: 30m
`

func writeConfig(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
	return dir
}

func TestLoadFrom_DefaultsAndOverlay(t *testing.T) {
	dir := writeConfig(t, map[string]string{
		"base.yaml": baseYAML,
		"staging.yaml": `
payments:
  settlement: separate_transfer
`,
		"secrets.env": "DB_PASSWORD=s3cret\n",
	})

	cfg, err := LoadFrom("staging", dir)
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.DB.Password)
	assert.Equal(t, SettlementSeparateTransfer, cfg.Payments.Settlement)
	assert.Equal(t, 3*time.Second, cfg.Processor.Timeout)
	assert.Equal(t, 30*time.Minute, cfg.Reconcile.StaleAfter)
	assert.Equal(t, time.Minute, cfg.Reconcile.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Processor.WebhookTolerance)
	assert.Equal(t, "usd", cfg.Processor.Currency)
	assert.Equal(t, "/api/payouts/return", cfg.Onboarding.ReturnPath)
	assert.Equal(t, 24*time.Hour, cfg.Onboarding.StateTTL)

	rate, err := cfg.FeeRate()
	require.NoError(t, err)
	assert.Equal(t, "0.1", rate.String())
}

func TestLoadFrom_ProcessorEnvOverride(t *testing.T) {
	dir := writeConfig(t, map[string]string{"base.yaml": baseYAML})
	t.Setenv("PROCESSOR_WEBHOOK_SECRET", "whsec_env")

	cfg, err := LoadFrom("local", dir)
	require.NoError(t, err)
	assert.Equal(t, "whsec_env", cfg.Processor.WebhookSecret)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{}
		c.Payments.FeeRate = "0.1"
		c.Processor.BaseURL = "https://processor.example"
		c.Processor.WebhookSecret = "whsec"
		c.Onboarding.AppBaseURL = "https://app.example"
		c.JWT.Secret = "jwt"
		c.applyDefaults()
		return c
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"fee rate too high", func(c *Config) { c.Payments.FeeRate = "1" }, "payments.fee_rate"},
		{"negative fee rate", func(c *Config) { c.Payments.FeeRate = "-0.1" }, "payments.fee_rate"},
		{"missing fee rate", func(c *Config) { c.Payments.FeeRate = "" }, "payments.fee_rate"},
		{"unknown settlement", func(c *Config) { c.Payments.Settlement = "escrow" }, "payments.settlement"},
		{"no webhook secret", func(c *Config) { c.Processor.WebhookSecret = "" }, "webhook_secret"},
		{"no app url", func(c *Config) { c.Onboarding.AppBaseURL = "" }, "app_base_url"},
		{"no jwt secret", func(c *Config) { c.JWT.Secret = "" }, "jwt.secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
