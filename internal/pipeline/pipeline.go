// Package pipeline coordinates the session lifecycle: generation runs,
// human pick completion, and assembly, with the vault as the source of
// truth and backup mirrors closing every run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/narration-vault/internal/assembly"
	"github.com/book-expert/narration-vault/internal/core"
	"github.com/book-expert/narration-vault/internal/inventory"
	"github.com/book-expert/narration-vault/internal/mirror"
	"github.com/book-expert/narration-vault/internal/orchestrator"
	"github.com/book-expert/narration-vault/internal/vault"
	"github.com/book-expert/narration-vault/internal/wav"
)

const charactersPerCostUnit = 1_000_000.0

// Static errors.
var (
	ErrNilScript          = errors.New("script cannot be nil")
	ErrPicksNotComplete   = errors.New("picks are not complete")
	ErrUnknownPickVersion = errors.New("picked candidate does not exist")
)

// CandidateCounter decides how many candidates a chunk gets, from catalogue
// configuration.
type CandidateCounter func(charCount int, isOpening bool) int

// Humanizer adjusts the declared inter-chunk pauses before assembly, for
// example by adding small randomized jitter so gaps are not mechanically
// uniform. It must return one duration per input pause.
type Humanizer func(pauses []float64) []float64

// IdentityHumanizer returns the declared pauses unchanged.
func IdentityHumanizer(pauses []float64) []float64 {
	return pauses
}

// NewJitterHumanizer returns a humanizer that perturbs each non-zero pause
// by up to ±maxJitterSeconds, never below zero. A zero declared pause stays
// zero: no gap means no gap.
func NewJitterHumanizer(maxJitterSeconds float64, random func() float64) Humanizer {
	return func(pauses []float64) []float64 {
		humanized := make([]float64, len(pauses))

		for i, pause := range pauses {
			if pause <= 0 {
				continue
			}

			jitter := (random()*2 - 1) * maxJitterSeconds

			humanized[i] = pause + jitter
			if humanized[i] < 0 {
				humanized[i] = 0
			}
		}

		return humanized
	}
}

// Pipeline drives sessions through their lifecycle.
type Pipeline struct {
	store        *vault.Store
	orchestrator *orchestrator.Orchestrator
	engine       *assembly.Engine
	mirrors      []core.Mirror
	counts       CandidateCounter
	humanize     Humanizer
	costPerChar  float64
	log          *logger.Logger

	// runMu backs the in-process half of the single-flight invariant; the
	// vault's run.lock file covers other processes.
	runMu sync.Mutex
}

// New creates a pipeline. The cost rate is per million characters billed.
func New(
	store *vault.Store,
	orch *orchestrator.Orchestrator,
	engine *assembly.Engine,
	mirrors []core.Mirror,
	counts CandidateCounter,
	humanize Humanizer,
	costPerMillionCharacters float64,
	log *logger.Logger,
) *Pipeline {
	if humanize == nil {
		humanize = IdentityHumanizer
	}

	return &Pipeline{
		store:        store,
		orchestrator: orch,
		engine:       engine,
		mirrors:      mirrors,
		counts:       counts,
		humanize:     humanize,
		costPerChar:  costPerMillionCharacters / charactersPerCostUnit,
		log:          log,
	}
}

// Generate runs one generation pass for a session. It is idempotent at the
// vault level: re-generation appends new candidate versions and never
// touches existing files. Exactly one generation run may be active
// system-wide; concurrent attempts fail with core.ErrRunInProgress.
//
// The run is finished only after the session's vault files have been
// replicated to every configured mirror.
func (p *Pipeline) Generate(
	ctx context.Context,
	sessionID string,
	script *inventory.Script,
) (*orchestrator.RunReport, error) {
	if script == nil {
		return nil, ErrNilScript
	}

	if !p.runMu.TryLock() {
		return nil, fmt.Errorf("%w: another run is active in this process", core.ErrRunInProgress)
	}
	defer p.runMu.Unlock()

	release, err := p.store.AcquireRunLock()
	if err != nil {
		return nil, err
	}
	defer release()

	err = p.registerScript(sessionID, script)
	if err != nil {
		return nil, err
	}

	requests := p.buildRequests(script)

	seeds, err := p.loadPickSeeds(sessionID)
	if err != nil {
		return nil, err
	}

	report, err := p.orchestrator.Run(ctx, sessionID, requests, seeds)
	if err != nil {
		return nil, fmt.Errorf("generation run failed: %w", err)
	}

	err = p.recordRun(sessionID, script, report)
	if err != nil {
		return report, err
	}

	err = p.mirrorSession(ctx, sessionID)
	if err != nil {
		return report, fmt.Errorf("run %s not finished, backup incomplete: %w", report.RunID, err)
	}

	return report, nil
}

// MarkPicksComplete records the human pick set and advances the session.
// Completeness is an explicit external signal: every chunk must carry a
// pick referencing an existing candidate.
func (p *Pipeline) MarkPicksComplete(sessionID string, picks vault.PickSet) error {
	manifest, err := p.store.LoadManifest(sessionID)
	if err != nil {
		return err
	}

	pickMap := picks.Map()

	for chunkIndex := range manifest.TotalChunks {
		version, ok := pickMap[chunkIndex]
		if !ok {
			return fmt.Errorf(
				"%w: chunk %d has no pick", ErrPicksNotComplete, chunkIndex,
			)
		}

		_, readErr := p.store.ReadCandidateAudio(sessionID, chunkIndex, version)
		if readErr != nil {
			return fmt.Errorf(
				"%w: chunk %d version %d: %w",
				ErrUnknownPickVersion, chunkIndex, version, readErr,
			)
		}
	}

	picks.SessionID = sessionID
	picks.UpdatedAt = time.Now().UTC()

	err = p.store.SavePicks(picks)
	if err != nil {
		return err
	}

	return p.advanceStatus(&manifest, vault.StatusPicksComplete)
}

// Assemble builds the final artifact for a session whose picks are
// complete. The declared pauses pass through the humanizer before
// assembly. A QA gate failure moves the session to QA_FAILED and returns
// core.ErrQAGateFailure alongside the retained result; otherwise the
// session ends QA_PASSED.
func (p *Pipeline) Assemble(
	ctx context.Context,
	sessionID string,
	script *inventory.Script,
) (*assembly.Result, error) {
	if script == nil {
		return nil, ErrNilScript
	}

	manifest, err := p.store.LoadManifest(sessionID)
	if err != nil {
		return nil, err
	}

	picks, err := p.store.LoadPicks(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrIncompletePicks, err)
	}

	silences := p.humanize(script.Pauses())

	result, assembleErr := p.engine.Assemble(ctx, sessionID, picks.Map(), silences)

	if assembleErr != nil && !errors.Is(assembleErr, core.ErrQAGateFailure) {
		return result, assembleErr
	}

	err = p.advanceStatus(&manifest, vault.StatusAssembled)
	if err != nil {
		return result, err
	}

	finalStatus := vault.StatusQAPassed
	if assembleErr != nil {
		finalStatus = vault.StatusQAFailed
	}

	err = p.advanceStatus(&manifest, finalStatus)
	if err != nil {
		return result, err
	}

	err = p.mirrorSession(ctx, sessionID)
	if err != nil {
		return result, fmt.Errorf("assembly backup incomplete: %w", err)
	}

	return result, assembleErr
}

// registerScript appends the script to the global inventory log the first
// time its session is seen.
func (p *Pipeline) registerScript(sessionID string, script *inventory.Script) error {
	registered, err := p.store.HasInventoryRecord(sessionID)
	if err != nil {
		return err
	}

	if registered {
		return nil
	}

	return p.store.AppendInventoryRecord(vault.InventoryRecord{
		RecordedAt: time.Now().UTC(),
		SessionID:  sessionID,
		ScriptID:   script.ID,
		Chunks:     script.ChunkCount(),
		Characters: script.TotalCharacters(),
	})
}

func (p *Pipeline) buildRequests(script *inventory.Script) []orchestrator.Request {
	requests := make([]orchestrator.Request, 0, len(script.Chunks))

	for _, chunk := range script.Chunks {
		requests = append(requests, orchestrator.Request{
			Chunk: chunk,
			Count: p.counts(chunk.CharCount, chunk.IsOpening),
		})
	}

	return requests
}

// loadPickSeeds decodes already-picked winners so re-generation measures
// tonal distance against the real neighbors, not provisional candidates.
// Sessions without picks yet seed nothing.
func (p *Pipeline) loadPickSeeds(sessionID string) (map[int][]float64, error) {
	picks, err := p.store.LoadPicks(sessionID)
	if err != nil {
		if errors.Is(err, vault.ErrPicksNotFound) {
			return nil, nil
		}

		return nil, err
	}

	seeds := make(map[int][]float64, len(picks.Picks))

	for chunkIndex, version := range picks.Map() {
		audio, readErr := p.store.ReadCandidateAudio(sessionID, chunkIndex, version)
		if readErr != nil {
			return nil, fmt.Errorf("failed to load pick seed: %w", readErr)
		}

		samples, _, decodeErr := wav.Decode(audio)
		if decodeErr != nil {
			return nil, fmt.Errorf(
				"failed to decode pick seed chunk %d: %w", chunkIndex, decodeErr,
			)
		}

		seeds[chunkIndex] = samples
	}

	return seeds, nil
}

// recordRun appends the run to the generation log and recomputes the
// session manifest. Manifest totals accumulate across runs; the log entries
// are the permanent record.
func (p *Pipeline) recordRun(
	sessionID string,
	script *inventory.Script,
	report *orchestrator.RunReport,
) error {
	cost := float64(report.BilledCharacters) * p.costPerChar

	err := p.store.AppendGenerationEntry(vault.GenerationLogEntry{
		RunID:               report.RunID,
		SessionID:           sessionID,
		ScriptID:            script.ID,
		StartedAt:           report.StartedAt,
		FinishedAt:          report.FinishedAt,
		Calls:               report.Calls,
		Retries:             report.Retries,
		Errors:              len(report.Failures),
		CandidatesWritten:   report.CandidatesWritten,
		AttemptedCharacters: report.AttemptedCharacters,
		BilledCharacters:    report.BilledCharacters,
		CostEstimate:        cost,
	})
	if err != nil {
		return err
	}

	manifest, err := p.store.LoadManifest(sessionID)
	if err != nil {
		if !errors.Is(err, vault.ErrManifestNotFound) {
			return err
		}

		manifest = vault.Manifest{
			SessionID: sessionID,
			ScriptID:  script.ID,
			Status:    vault.StatusPending,
		}
	}

	totalCandidates, err := p.store.CountCandidates(sessionID)
	if err != nil {
		return err
	}

	manifest.TotalChunks = script.ChunkCount()
	manifest.TotalCandidates = totalCandidates
	manifest.TotalCalls += report.Calls
	manifest.TotalCharacters += report.AttemptedCharacters
	manifest.CostEstimate += cost
	manifest.GenerationSeconds += report.FinishedAt.Sub(report.StartedAt).Seconds()

	// Re-generation after picks or assembly is the one sanctioned way a
	// session moves backwards.
	if manifest.Status == vault.StatusPending {
		transitionErr := manifest.Transition(vault.StatusCandidatesReady)
		if transitionErr != nil {
			return transitionErr
		}
	} else {
		manifest.Regenerate()
	}

	manifest.UpdatedAt = time.Now().UTC()

	return p.store.WriteManifest(manifest)
}

func (p *Pipeline) advanceStatus(manifest *vault.Manifest, to vault.Status) error {
	err := manifest.Transition(to)
	if err != nil {
		return err
	}

	manifest.UpdatedAt = time.Now().UTC()

	return p.store.WriteManifest(*manifest)
}

// mirrorSession replicates every session file plus the global logs to all
// configured mirrors.
func (p *Pipeline) mirrorSession(ctx context.Context, sessionID string) error {
	if len(p.mirrors) == 0 {
		return nil
	}

	targets, err := p.store.BackupTargets(sessionID)
	if err != nil {
		return err
	}

	return mirror.Sync(ctx, p.store.ReadRelative, p.mirrors, targets, p.log)
}
