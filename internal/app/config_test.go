package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func missingEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "absent.env")
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(missingEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, "0 2 * * *", cfg.OverdueCron)
	assert.Equal(t, 720*time.Hour, cfg.IdempotencyRetention)
	assert.False(t, cfg.MigrateOnStart)
	assert.False(t, cfg.IsProduction())

	policy := cfg.SettlementPolicy()
	assert.True(t, policy.TrackPartial)
	assert.True(t, policy.Tolerance.IsZero())
	assert.Equal(t, language.French, cfg.Language())
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("BILLING_OVERPAYMENT_TOLERANCE", "0.05")
	t.Setenv("BILLING_TRACK_PARTIAL_PAYMENTS", "false")
	t.Setenv("BILLING_PDF_LANG", "en-GB")
	t.Setenv("MIGRATE_ON_START", "true")

	cfg, err := LoadConfig(missingEnvFile(t))
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.True(t, cfg.MigrateOnStart)
	policy := cfg.SettlementPolicy()
	assert.False(t, policy.TrackPartial)
	assert.True(t, policy.Tolerance.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, language.MustParse("en-GB"), cfg.Language())
}

func TestLoadConfigReadsEnvFile(t *testing.T) {
	const key = "BILLING_OVERDUE_CRON"
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(key+"=\"*/5 * * * *\"\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", cfg.OverdueCron)
}

func TestLoadConfigEnvironmentWinsOverEnvFile(t *testing.T) {
	t.Setenv("IDEMPOTENCY_CLEANUP_CRON", "0 4 * * *")
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("IDEMPOTENCY_CLEANUP_CRON=0 5 * * *\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "0 4 * * *", cfg.IdempotencyCleanupCron)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"tolerance not a number", "BILLING_OVERPAYMENT_TOLERANCE", "a lot"},
		{"negative tolerance", "BILLING_OVERPAYMENT_TOLERANCE", "-1"},
		{"bad language", "BILLING_PDF_LANG", "!!"},
		{"zero retention", "IDEMPOTENCY_RETENTION", "0s"},
		{"bad duration", "APP_READ_TIMEOUT", "soon"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := LoadConfig(missingEnvFile(t))
			require.Error(t, err)
		})
	}
}

func TestNilConfigHelpers(t *testing.T) {
	var cfg *Config
	assert.False(t, cfg.IsProduction())
	assert.True(t, cfg.SettlementPolicy().TrackPartial)
	assert.Equal(t, language.French, cfg.Language())
}
