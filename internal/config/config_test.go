// Package config_test tests the configuration loading for the
// narration-vault pipeline.
package config_test

import (
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narration-vault/internal/config"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	tomlData := `
[synthesis]
base_url = "http://127.0.0.1:8000"
voice = "narrator-a"
temperature = 0.7
timeout_seconds = 60

[orchestrator]
max_in_flight = 5
max_attempts = 5
base_delay_millis = 500
max_delay_millis = 8000
prefilter_threshold = 0.30
bill_failed_attempts = true

[candidates]
opening_count = 8
default_count = 3

[[candidates.buckets]]
max_chars = 60
count = 6

[[candidates.buckets]]
max_chars = 150
count = 4

[assembly]
fade_millis = 20
target_level_db = -19.0
true_peak_ceiling_db = -1.5

[nats_mirror]
enabled = true
url = "nats://127.0.0.1:4222"
bucket = "NARRATION_VAULT"

[billing]
cost_per_million_characters = 16.0

[paths]
vault_root = "/var/lib/narration-vault"
base_logs_dir = "/var/log/narration-vault"
`

	var cfg config.Config

	err := toml.Unmarshal([]byte(tomlData), &cfg)
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:8000", cfg.Synthesis.BaseURL)
	assert.Equal(t, "narrator-a", cfg.Synthesis.Voice)
	assert.InEpsilon(t, 0.7, cfg.Synthesis.Temperature, 0.001)
	assert.Equal(t, 60, cfg.Synthesis.TimeoutSeconds)
	assert.Equal(t, 5, cfg.Orchestrator.MaxInFlight)
	assert.True(t, cfg.Orchestrator.BillFailedAttempts)
	assert.InEpsilon(t, 0.30, cfg.Orchestrator.PrefilterThreshold, 0.001)
	assert.Equal(t, 8, cfg.Candidates.OpeningCount)
	assert.Len(t, cfg.Candidates.Buckets, 2)
	assert.True(t, cfg.NATSMirror.Enabled)
	assert.Equal(t, "NARRATION_VAULT", cfg.NATSMirror.Bucket)
	assert.InEpsilon(t, 16.0, cfg.Billing.CostPerMillionCharacters, 0.001)
	assert.Equal(t, "/var/lib/narration-vault", cfg.Paths.VaultRoot)
}

func TestCandidatePolicyCountFor(t *testing.T) {
	t.Parallel()

	policy := config.DefaultCandidatePolicy()

	assert.Equal(t, 8, policy.CountFor(25, true), "opening chunks get the opening count")
	assert.Equal(t, 6, policy.CountFor(25, false), "short chunks hit the first bucket")
	assert.Equal(t, 6, policy.CountFor(60, false), "bucket boundary is inclusive")
	assert.Equal(t, 4, policy.CountFor(100, false))
	assert.Equal(t, 3, policy.CountFor(280, false), "long chunks fall through to the default")
}

func TestCandidatePolicyEmptyFallsBackToOne(t *testing.T) {
	t.Parallel()

	var policy config.CandidatePolicy

	assert.Equal(t, 1, policy.CountFor(100, false))
	assert.Equal(t, 1, policy.CountFor(10, true))
}
