// Package assembly deterministically builds the final audio artifact for a
// session from the human-picked candidate of every chunk: edge fades,
// inter-chunk silence, concatenation, loudness normalization, encoding, and
// automated QA gates.
//
// Every stage is a pure transformation producing new buffers; source
// candidate audio is never modified in place, and a failure at any stage
// aborts assembly without touching upstream artifacts.
package assembly

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/narration-vault/internal/core"
	"github.com/book-expert/narration-vault/internal/vault"
	"github.com/book-expert/narration-vault/internal/wav"
)

// Stage identifies how far an assembly attempt progressed.
type Stage string

// Assembly stages, in order.
const (
	StageNotStarted      Stage = "NOT_STARTED"
	StagePicksLoaded     Stage = "PICKS_LOADED"
	StageFaded           Stage = "FADED"
	StageSilenceInserted Stage = "SILENCE_INSERTED"
	StageConcatenated    Stage = "CONCATENATED"
	StageNormalized      Stage = "NORMALIZED"
	StageEncoded         Stage = "ENCODED"
	StageQAChecked       Stage = "QA_CHECKED"
)

// Default loudness and fade parameters, applied uniformly to every session
// for catalogue consistency.
const (
	DefaultFadeDuration      = 20 * time.Millisecond
	DefaultTargetLevelDB     = -19.0
	DefaultTruePeakCeilingDB = -1.5

	silenceSampleLevel = 1e-4
	clipSampleLevel    = 0.999
	levelEpsilon       = 1e-12
)

// Static errors.
var (
	ErrNoChunks           = errors.New("assembly requires at least one chunk")
	ErrSampleRateMismatch = errors.New("picked candidates have differing sample rates")
)

// Config holds the deterministic assembly parameters.
type Config struct {
	FadeDuration      time.Duration
	TargetLevelDB     float64
	TruePeakCeilingDB float64
}

// DefaultConfig returns the catalogue assembly parameters.
func DefaultConfig() Config {
	return Config{
		FadeDuration:      DefaultFadeDuration,
		TargetLevelDB:     DefaultTargetLevelDB,
		TruePeakCeilingDB: DefaultTruePeakCeilingDB,
	}
}

// QAGateConfig holds the thresholds for the automated gate battery run on
// the final lossless artifact.
type QAGateConfig struct {
	MinDurationSeconds float64
	LevelToleranceDB   float64
	MaxClipRun         int
	MaxSilenceRatio    float64
}

// DefaultQAGateConfig returns the catalogue QA thresholds.
func DefaultQAGateConfig() QAGateConfig {
	return QAGateConfig{
		MinDurationSeconds: 1.0,
		LevelToleranceDB:   3.0,
		MaxClipRun:         3,
		MaxSilenceRatio:    0.95,
	}
}

// GateResult reports one automated quality gate.
type GateResult struct {
	Name   string
	Passed bool
	Detail string
}

// Result describes a finished (or QA-failed) assembly attempt.
type Result struct {
	Stage             Stage
	MasterPath        string
	DeliverablePath   string
	DurationSeconds   float64
	IntegratedLevelDB float64
	PeakDB            float64
	Gates             []GateResult
}

// Engine assembles sessions through the vault store.
type Engine struct {
	store   *vault.Store
	encoder core.Encoder
	cfg     Config
	qa      QAGateConfig
	log     *logger.Logger
}

// New creates an assembly engine.
func New(
	store *vault.Store,
	encoder core.Encoder,
	cfg Config,
	qa QAGateConfig,
	log *logger.Logger,
) *Engine {
	return &Engine{store: store, encoder: encoder, cfg: cfg, qa: qa, log: log}
}

// Assemble builds the final artifact for a session. The picks map must hold
// exactly one version per chunk index in 0..len(silences)-1; silences carry
// the humanized inter-block gap after each chunk in seconds (0 is valid).
//
// Given identical picks and silences, the lossless master is byte-identical
// across runs. On a QA gate failure the result is returned alongside
// core.ErrQAGateFailure and the artifact is retained for diagnosis.
func (e *Engine) Assemble(
	ctx context.Context,
	sessionID string,
	picks map[int]int,
	silences []float64,
) (*Result, error) {
	result := &Result{Stage: StageNotStarted}

	if len(silences) == 0 {
		return result, ErrNoChunks
	}

	segments, sampleRate, err := e.loadPickedSegments(sessionID, picks, len(silences))
	if err != nil {
		return result, err
	}

	result.Stage = StagePicksLoaded

	for i := range segments {
		segments[i] = applyEdgeFades(segments[i], sampleRate, e.cfg.FadeDuration)
	}

	result.Stage = StageFaded

	gaps := buildSilenceGaps(silences, sampleRate)
	result.Stage = StageSilenceInserted

	master := concatenate(segments, gaps)
	result.Stage = StageConcatenated

	master, integrated, peak := normalizeLoudness(
		master, e.cfg.TargetLevelDB, e.cfg.TruePeakCeilingDB,
	)
	result.Stage = StageNormalized
	result.IntegratedLevelDB = integrated
	result.PeakDB = peak
	result.DurationSeconds = wav.Duration(master, sampleRate)

	masterPath, err := e.store.WriteFinalArtifact(
		sessionID, vault.MasterFileName, wav.Encode(master, sampleRate),
	)
	if err != nil {
		return result, fmt.Errorf("failed to write master artifact: %w", err)
	}

	result.MasterPath = masterPath

	deliverablePath := e.store.FinalArtifactPath(sessionID, vault.DeliverableFileName)

	err = e.encoder.Encode(ctx, masterPath, deliverablePath)
	if err != nil {
		return result, fmt.Errorf("failed to encode deliverable: %w", err)
	}

	result.Stage = StageEncoded
	result.DeliverablePath = deliverablePath

	result.Gates = e.runQAGates(master, sampleRate)
	result.Stage = StageQAChecked

	for _, gate := range result.Gates {
		if !gate.Passed {
			// The artifact is kept for diagnosis; only deployment is
			// blocked.
			return result, fmt.Errorf(
				"%w: session %s gate %s: %s",
				core.ErrQAGateFailure, sessionID, gate.Name, gate.Detail,
			)
		}
	}

	e.log.Info(
		"Assembled session %s: %.2fs at %.1f dB (peak %.1f dB)",
		sessionID, result.DurationSeconds, integrated, peak,
	)

	return result, nil
}

// loadPickedSegments decodes the picked candidate of every chunk, in strict
// chunk order. A missing pick fails with core.ErrIncompletePicks.
func (e *Engine) loadPickedSegments(
	sessionID string,
	picks map[int]int,
	chunkCount int,
) ([][]float64, int, error) {
	segments := make([][]float64, 0, chunkCount)
	sampleRate := 0

	for chunkIndex := range chunkCount {
		version, ok := picks[chunkIndex]
		if !ok {
			return nil, 0, fmt.Errorf(
				"%w: session %s chunk %d has no active pick",
				core.ErrIncompletePicks, sessionID, chunkIndex,
			)
		}

		audio, err := e.store.ReadCandidateAudio(sessionID, chunkIndex, version)
		if err != nil {
			return nil, 0, fmt.Errorf(
				"chunk %d version %d: %w", chunkIndex, version, err,
			)
		}

		samples, rate, err := wav.Decode(audio)
		if err != nil {
			return nil, 0, fmt.Errorf(
				"chunk %d version %d: %w", chunkIndex, version, err,
			)
		}

		if sampleRate == 0 {
			sampleRate = rate
		} else if rate != sampleRate {
			return nil, 0, fmt.Errorf(
				"%w: chunk %d is %d Hz, expected %d Hz",
				ErrSampleRateMismatch, chunkIndex, rate, sampleRate,
			)
		}

		segments = append(segments, samples)
	}

	return segments, sampleRate, nil
}

// applyEdgeFades returns a copy of the segment with cosine-shaped fade-in
// and fade-out, avoiding audible clicks at splice boundaries.
func applyEdgeFades(segment []float64, sampleRate int, fade time.Duration) []float64 {
	faded := make([]float64, len(segment))
	copy(faded, segment)

	fadeSamples := int(float64(sampleRate) * fade.Seconds())
	if fadeSamples*2 > len(faded) {
		fadeSamples = len(faded) / 2
	}

	for i := range fadeSamples {
		gain := 0.5 * (1 - math.Cos(math.Pi*float64(i)/float64(fadeSamples)))
		faded[i] *= gain
		faded[len(faded)-1-i] *= gain
	}

	return faded
}

// buildSilenceGaps converts per-chunk gap durations to zero-filled buffers.
func buildSilenceGaps(silences []float64, sampleRate int) [][]float64 {
	gaps := make([][]float64, len(silences))
	for i, seconds := range silences {
		gaps[i] = make([]float64, int(seconds*float64(sampleRate)))
	}

	return gaps
}

// concatenate joins segments in chunk order, inserting each chunk's gap
// after it. No reordering, no chunk skipped.
func concatenate(segments, gaps [][]float64) []float64 {
	total := 0
	for i := range segments {
		total += len(segments[i]) + len(gaps[i])
	}

	master := make([]float64, 0, total)

	for i := range segments {
		master = append(master, segments[i]...)
		master = append(master, gaps[i]...)
	}

	return master
}

// normalizeLoudness applies a single whole-file gain driving the integrated
// level to the target, then bounds it so the true peak stays under the
// ceiling. Returns the normalized buffer and the resulting integrated and
// peak levels in dB.
func normalizeLoudness(
	samples []float64,
	targetDB, ceilingDB float64,
) (normalized []float64, integratedDB, peakDB float64) {
	integrated := integratedLevelDB(samples)
	gain := math.Pow(10, (targetDB-integrated)/20)

	peak := peakLevel(samples)

	ceiling := math.Pow(10, ceilingDB/20)
	if peak*gain > ceiling {
		gain = ceiling / peak
	}

	normalized = make([]float64, len(samples))
	for i, sample := range samples {
		normalized[i] = sample * gain
	}

	return normalized, integratedLevelDB(normalized), amplitudeToDB(peakLevel(normalized))
}

// runQAGates executes the fixed gate battery on the final lossless buffer.
func (e *Engine) runQAGates(master []float64, sampleRate int) []GateResult {
	duration := wav.Duration(master, sampleRate)
	integrated := integratedLevelDB(master)
	peak := amplitudeToDB(peakLevel(master))
	silenceRatio := silentSampleRatio(master)
	clipRun := longestClipRun(master)

	return []GateResult{
		{
			Name:   "min_duration",
			Passed: duration >= e.qa.MinDurationSeconds,
			Detail: fmt.Sprintf("%.2fs (minimum %.2fs)", duration, e.qa.MinDurationSeconds),
		},
		{
			Name:   "integrated_level",
			Passed: math.Abs(integrated-e.cfg.TargetLevelDB) <= e.qa.LevelToleranceDB,
			Detail: fmt.Sprintf("%.1f dB (target %.1f ±%.1f dB)",
				integrated, e.cfg.TargetLevelDB, e.qa.LevelToleranceDB),
		},
		{
			Name:   "true_peak",
			Passed: peak <= e.cfg.TruePeakCeilingDB+0.1,
			Detail: fmt.Sprintf("%.2f dB (ceiling %.2f dB)", peak, e.cfg.TruePeakCeilingDB),
		},
		{
			Name:   "silence_ratio",
			Passed: silenceRatio <= e.qa.MaxSilenceRatio,
			Detail: fmt.Sprintf("%.2f silent (maximum %.2f)", silenceRatio, e.qa.MaxSilenceRatio),
		},
		{
			Name:   "clipping",
			Passed: clipRun <= e.qa.MaxClipRun,
			Detail: fmt.Sprintf("longest clipped run %d samples (maximum %d)",
				clipRun, e.qa.MaxClipRun),
		},
	}
}

// integratedLevelDB approximates integrated loudness as whole-file RMS
// level in dB.
func integratedLevelDB(samples []float64) float64 {
	if len(samples) == 0 {
		return amplitudeToDB(0)
	}

	sum := 0.0
	for _, sample := range samples {
		sum += sample * sample
	}

	return amplitudeToDB(math.Sqrt(sum / float64(len(samples))))
}

func peakLevel(samples []float64) float64 {
	peak := 0.0
	for _, sample := range samples {
		peak = math.Max(peak, math.Abs(sample))
	}

	return peak
}

func amplitudeToDB(amplitude float64) float64 {
	return 20 * math.Log10(amplitude+levelEpsilon)
}

func silentSampleRatio(samples []float64) float64 {
	if len(samples) == 0 {
		return 1
	}

	silent := 0

	for _, sample := range samples {
		if math.Abs(sample) < silenceSampleLevel {
			silent++
		}
	}

	return float64(silent) / float64(len(samples))
}

func longestClipRun(samples []float64) int {
	longest := 0
	run := 0

	for _, sample := range samples {
		if math.Abs(sample) >= clipSampleLevel {
			run++
			if run > longest {
				longest = run
			}
		} else {
			run = 0
		}
	}

	return longest
}
