// main package for the narration-vault pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/logger"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/narration-vault/internal/assembly"
	"github.com/book-expert/narration-vault/internal/config"
	"github.com/book-expert/narration-vault/internal/core"
	"github.com/book-expert/narration-vault/internal/mirror"
	"github.com/book-expert/narration-vault/internal/orchestrator"
	"github.com/book-expert/narration-vault/internal/pipeline"
	"github.com/book-expert/narration-vault/internal/synth"
	"github.com/book-expert/narration-vault/internal/vault"
)

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "narration-vault.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	// A missing .env is fine; the configurator and AWS chain read the
	// environment directly.
	_ = godotenv.Load()

	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	_, err = initializePipeline(cfg, finalLog)

	return err
}

// initializePipeline wires the store, synthesis client, orchestrator,
// assembly engine, and mirrors, then verifies the synthesis service is
// reachable.
func initializePipeline(cfg *config.Config, log *logger.Logger) (*pipeline.Pipeline, error) {
	store, err := vault.Open(cfg.Paths.VaultRoot, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open vault: %w", err)
	}

	client := synth.NewHTTPClient(cfg.Synthesis.BaseURL, cfg.Synthesis.Timeout())

	orch, err := orchestrator.New(client, store, orchestratorConfig(cfg), log)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	engine := assembly.New(
		store,
		assembly.NewFFmpegEncoder(cfg.Assembly.FFmpegPath, cfg.Assembly.DeliverableRate),
		assemblyConfig(cfg),
		assembly.DefaultQAGateConfig(),
		log,
	)

	mirrors, err := buildMirrors(cfg, log)
	if err != nil {
		return nil, err
	}

	pipe := pipeline.New(
		store,
		orch,
		engine,
		mirrors,
		cfg.Candidates.CountFor,
		pipeline.IdentityHumanizer,
		cfg.Billing.CostPerMillionCharacters,
		log,
	)

	err = client.HealthCheck(context.Background())
	if err != nil {
		log.Warn("Synthesis service not reachable yet: %v", err)
	}

	log.System(
		"Narration vault initialized at %s with %d mirror(s).",
		cfg.Paths.VaultRoot, len(mirrors),
	)

	return pipe, nil
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	orchCfg := orchestrator.DefaultConfig()

	if cfg.Orchestrator.MaxInFlight > 0 {
		orchCfg.MaxInFlight = cfg.Orchestrator.MaxInFlight
	}

	if cfg.Orchestrator.MaxAttempts > 0 {
		orchCfg.MaxAttempts = cfg.Orchestrator.MaxAttempts
	}

	if cfg.Orchestrator.BaseDelayMillis > 0 {
		orchCfg.BaseDelay = millis(cfg.Orchestrator.BaseDelayMillis)
	}

	if cfg.Orchestrator.MaxDelayMillis > 0 {
		orchCfg.MaxDelay = millis(cfg.Orchestrator.MaxDelayMillis)
	}

	if cfg.Orchestrator.PrefilterThreshold > 0 {
		orchCfg.PrefilterThreshold = cfg.Orchestrator.PrefilterThreshold
	}

	orchCfg.BillFailedAttempts = cfg.Orchestrator.BillFailedAttempts
	orchCfg.CallTimeout = cfg.Synthesis.Timeout()
	orchCfg.Voice = cfg.Synthesis.Voice

	if cfg.Synthesis.Temperature > 0 {
		orchCfg.Temperature = cfg.Synthesis.Temperature
	}

	return orchCfg
}

func assemblyConfig(cfg *config.Config) assembly.Config {
	asmCfg := assembly.DefaultConfig()

	if cfg.Assembly.FadeMillis > 0 {
		asmCfg.FadeDuration = millis(cfg.Assembly.FadeMillis)
	}

	if cfg.Assembly.TargetLevelDB != 0 {
		asmCfg.TargetLevelDB = cfg.Assembly.TargetLevelDB
	}

	if cfg.Assembly.TruePeakCeilingDB != 0 {
		asmCfg.TruePeakCeilingDB = cfg.Assembly.TruePeakCeilingDB
	}

	return asmCfg
}

// buildMirrors connects every enabled backup mirror.
func buildMirrors(cfg *config.Config, log *logger.Logger) ([]core.Mirror, error) {
	var mirrors []core.Mirror

	if cfg.NATSMirror.Enabled {
		conn, err := nats.Connect(cfg.NATSMirror.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}

		jetstreamContext, err := conn.JetStream()
		if err != nil {
			return nil, fmt.Errorf("failed to get JetStream context: %w", err)
		}

		natsMirror, err := mirror.NewNATSMirror(jetstreamContext, cfg.NATSMirror.Bucket)
		if err != nil {
			return nil, err
		}

		mirrors = append(mirrors, natsMirror)
		log.Info("NATS mirror enabled: bucket %s", cfg.NATSMirror.Bucket)
	}

	if cfg.S3Mirror.Enabled {
		s3Mirror, err := mirror.NewS3Mirror(context.Background(), mirror.S3Config{
			Bucket:       cfg.S3Mirror.Bucket,
			Region:       cfg.S3Mirror.Region,
			Prefix:       cfg.S3Mirror.Prefix,
			UsePathStyle: cfg.S3Mirror.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}

		mirrors = append(mirrors, s3Mirror)
		log.Info("S3 mirror enabled: bucket %s", cfg.S3Mirror.Bucket)
	}

	return mirrors, nil
}

func millis(value int) time.Duration {
	return time.Duration(value) * time.Millisecond
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "narration-vault exited with error: %v\n", err)
		os.Exit(1)
	}
}
