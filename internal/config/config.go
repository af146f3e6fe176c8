// Package config provides the configuration structure for the
// narration-vault pipeline.
package config

import (
	"fmt"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// SynthesisConfig holds the settings for the external synthesis service.
type SynthesisConfig struct {
	BaseURL        string  `toml:"base_url"`
	Voice          string  `toml:"voice"`
	Temperature    float64 `toml:"temperature"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
}

// Timeout returns the per-call timeout as a duration.
func (c SynthesisConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// OrchestratorConfig holds the generation run settings.
type OrchestratorConfig struct {
	MaxInFlight        int     `toml:"max_in_flight"`
	MaxAttempts        int     `toml:"max_attempts"`
	BaseDelayMillis    int     `toml:"base_delay_millis"`
	MaxDelayMillis     int     `toml:"max_delay_millis"`
	PrefilterThreshold float64 `toml:"prefilter_threshold"`
	BillFailedAttempts bool    `toml:"bill_failed_attempts"`
}

// CandidateBucket maps a chunk-length bucket to a candidate count. A chunk
// falls into the first bucket whose MaxChars is at or above its character
// count.
type CandidateBucket struct {
	MaxChars int `toml:"max_chars"`
	Count    int `toml:"count"`
}

// CandidatePolicy decides how many candidates to request per chunk. Short
// chunks are cheap and benefit from more takes; opening chunks set the tone
// for a whole session and get their own, higher count.
type CandidatePolicy struct {
	Buckets      []CandidateBucket `toml:"buckets"`
	OpeningCount int               `toml:"opening_count"`
	DefaultCount int               `toml:"default_count"`
}

// DefaultCandidatePolicy returns the catalogue policy.
func DefaultCandidatePolicy() CandidatePolicy {
	return CandidatePolicy{
		Buckets: []CandidateBucket{
			{MaxChars: 60, Count: 6},
			{MaxChars: 150, Count: 4},
		},
		OpeningCount: 8,
		DefaultCount: 3,
	}
}

// CountFor returns the candidate count for a chunk of the given length.
func (p CandidatePolicy) CountFor(charCount int, isOpening bool) int {
	if isOpening && p.OpeningCount > 0 {
		return p.OpeningCount
	}

	for _, bucket := range p.Buckets {
		if charCount <= bucket.MaxChars {
			return bucket.Count
		}
	}

	if p.DefaultCount > 0 {
		return p.DefaultCount
	}

	return 1
}

// AssemblyConfig holds the deterministic assembly settings.
type AssemblyConfig struct {
	FadeMillis        int     `toml:"fade_millis"`
	TargetLevelDB     float64 `toml:"target_level_db"`
	TruePeakCeilingDB float64 `toml:"true_peak_ceiling_db"`
	FFmpegPath        string  `toml:"ffmpeg_path"`
	DeliverableRate   string  `toml:"deliverable_bitrate"`
}

// NATSMirrorConfig holds the NATS object-store backup mirror settings.
type NATSMirrorConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
	Bucket  string `toml:"bucket"`
}

// S3MirrorConfig holds the S3 backup mirror settings.
type S3MirrorConfig struct {
	Enabled      bool   `toml:"enabled"`
	Bucket       string `toml:"bucket"`
	Region       string `toml:"region"`
	Prefix       string `toml:"prefix"`
	UsePathStyle bool   `toml:"use_path_style"`
}

// BillingConfig holds the cost-estimation settings.
type BillingConfig struct {
	CostPerMillionCharacters float64 `toml:"cost_per_million_characters"`
}

// PathsConfig holds the file path settings.
type PathsConfig struct {
	VaultRoot   string `toml:"vault_root"`
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	Synthesis    SynthesisConfig    `toml:"synthesis"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Candidates   CandidatePolicy    `toml:"candidates"`
	Assembly     AssemblyConfig     `toml:"assembly"`
	NATSMirror   NATSMirrorConfig   `toml:"nats_mirror"`
	S3Mirror     S3MirrorConfig     `toml:"s3_mirror"`
	Billing      BillingConfig      `toml:"billing"`
	Paths        PathsConfig        `toml:"paths"`
}

// Load loads the pipeline configuration.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return &cfg, nil
}
