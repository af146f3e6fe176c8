// Package orchestrator issues concurrent calls to the external synthesis
// capability under a hard concurrency cap, retries throttled and transient
// failures with capped jittered backoff, scores each result, and commits
// candidates through the vault store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"

	"github.com/book-expert/narration-vault/internal/core"
	"github.com/book-expert/narration-vault/internal/inventory"
	"github.com/book-expert/narration-vault/internal/scorer"
	"github.com/book-expert/narration-vault/internal/vault"
	"github.com/book-expert/narration-vault/internal/wav"
)

// Default policy values.
const (
	DefaultMaxInFlight        = 5
	DefaultMaxAttempts        = 5
	DefaultBaseDelay          = 500 * time.Millisecond
	DefaultMaxDelay           = 8 * time.Second
	DefaultCallTimeout        = 60 * time.Second
	DefaultPrefilterThreshold = 0.30

	// Backoff jitter keeps retries from re-contending in lockstep while
	// preserving strictly increasing delays across doublings.
	jitterFloor = 0.75
	jitterSpan  = 0.5
)

// Static errors.
var (
	ErrNoRequests     = errors.New("no generation requests")
	ErrBadConcurrency = errors.New("max in-flight must be positive")
	ErrBadAttempts    = errors.New("max attempts must be positive")
)

// Config holds the orchestrator policy. Candidate counts per chunk are not
// part of it: they arrive with each request, decided by catalogue
// configuration upstream.
type Config struct {
	MaxInFlight        int
	MaxAttempts        int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	CallTimeout        time.Duration
	PrefilterThreshold float64
	// BillFailedAttempts controls whether characters sent on failed
	// attempts count toward the billed total. The upstream API's quota
	// behavior for failed calls is not documented, so this is policy, not
	// a guess.
	BillFailedAttempts bool
	Voice              string
	Temperature        float64
}

// DefaultConfig returns the catalogue defaults.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:        DefaultMaxInFlight,
		MaxAttempts:        DefaultMaxAttempts,
		BaseDelay:          DefaultBaseDelay,
		MaxDelay:           DefaultMaxDelay,
		CallTimeout:        DefaultCallTimeout,
		PrefilterThreshold: DefaultPrefilterThreshold,
		BillFailedAttempts: false,
		Voice:              "",
		Temperature:        0.75,
	}
}

// Request asks for a number of candidates for one chunk.
type Request struct {
	Chunk inventory.Chunk
	Count int
}

// SlotFailure reports one candidate slot that terminally failed. Slot
// failures are isolated; they never abort the batch.
type SlotFailure struct {
	ChunkIndex int
	Slot       int
	Attempts   int
	Error      string
}

// RunReport summarizes one orchestrator run.
type RunReport struct {
	RunID               string
	SessionID           string
	StartedAt           time.Time
	FinishedAt          time.Time
	Calls               int
	Retries             int
	CandidatesWritten   int
	AttemptedCharacters int
	BilledCharacters    int
	Failures            []SlotFailure
}

// Orchestrator coordinates a bounded pool of synthesis workers.
type Orchestrator struct {
	synth core.Synthesizer
	store *vault.Store
	cfg   Config
	log   *logger.Logger

	// Scoring hooks default to the scorer package and exist so tests can
	// inject deterministic signals.
	scoreFunc    func(samples []float64, sampleRate int) float64
	distanceFunc func(a, b []float64, sampleRate int) float64
	jitterFunc   func() float64
}

// New creates an orchestrator writing through the given vault store.
func New(
	synth core.Synthesizer,
	store *vault.Store,
	cfg Config,
	log *logger.Logger,
) (*Orchestrator, error) {
	if cfg.MaxInFlight <= 0 {
		return nil, ErrBadConcurrency
	}

	if cfg.MaxAttempts <= 0 {
		return nil, ErrBadAttempts
	}

	return &Orchestrator{
		synth:        synth,
		store:        store,
		cfg:          cfg,
		log:          log,
		scoreFunc:    scorer.Score,
		distanceFunc: scorer.TonalDistance,
		jitterFunc:   rand.Float64,
	}, nil
}

// SetScoringHooks overrides the scoring functions. Passing nil keeps the
// current hook.
func (o *Orchestrator) SetScoringHooks(
	score func(samples []float64, sampleRate int) float64,
	distance func(a, b []float64, sampleRate int) float64,
) {
	if score != nil {
		o.scoreFunc = score
	}

	if distance != nil {
		o.distanceFunc = distance
	}
}

// Run generates the requested candidate slots for one session. The seeds
// map carries already-picked winner audio per chunk index; tonal distances
// are computed against the seed for the previous chunk when present,
// otherwise against the best-scoring candidate produced so far, otherwise
// recorded as unavailable. Per-slot failures are collected in the report;
// only structural failures return an error.
func (o *Orchestrator) Run(
	ctx context.Context,
	sessionID string,
	requests []Request,
	seeds map[int][]float64,
) (*RunReport, error) {
	if len(requests) == 0 {
		return nil, ErrNoRequests
	}

	report := &RunReport{
		RunID:     uuid.NewString(),
		SessionID: sessionID,
		StartedAt: time.Now().UTC(),
	}

	run := &runState{report: report}
	refs := newReferenceTable(seeds)

	// The semaphore bounds in-flight external calls only; decoding and
	// scoring proceed concurrently with later dispatch.
	semaphore := make(chan struct{}, o.cfg.MaxInFlight)

	var waitGroup sync.WaitGroup

	for _, request := range requests {
		for slot := range request.Count {
			waitGroup.Add(1)

			go func(chunk inventory.Chunk, slot int) {
				defer waitGroup.Done()

				o.processSlot(ctx, sessionID, chunk, slot, semaphore, run, refs)
			}(request.Chunk, slot)
		}
	}

	waitGroup.Wait()

	report.FinishedAt = time.Now().UTC()

	o.log.Info(
		"Run %s finished: %d candidates, %d calls, %d retries, %d failures",
		report.RunID, report.CandidatesWritten, report.Calls,
		report.Retries, len(report.Failures),
	)

	return report, nil
}

// processSlot produces one candidate: synthesize with retries, decode,
// score, then commit durably through the vault. The unit of work completes
// only after the vault write.
func (o *Orchestrator) processSlot(
	ctx context.Context,
	sessionID string,
	chunk inventory.Chunk,
	slot int,
	semaphore chan struct{},
	run *runState,
	refs *referenceTable,
) {
	// A cancelled run stops cleanly between work units; candidates already
	// committed stay valid.
	if ctx.Err() != nil {
		run.addFailure(SlotFailure{
			ChunkIndex: chunk.Index,
			Slot:       slot,
			Attempts:   0,
			Error:      fmt.Sprintf("run cancelled: %v", ctx.Err()),
		})

		return
	}

	audio, callID, attempts, err := o.synthesizeWithRetry(ctx, sessionID, chunk, semaphore, run)
	if err != nil {
		o.log.Error("Chunk %d slot %d failed terminally: %v", chunk.Index, slot, err)
		run.addFailure(SlotFailure{
			ChunkIndex: chunk.Index,
			Slot:       slot,
			Attempts:   attempts,
			Error:      err.Error(),
		})

		return
	}

	samples, sampleRate, err := wav.Decode(audio)
	if err != nil {
		run.addFailure(SlotFailure{
			ChunkIndex: chunk.Index,
			Slot:       slot,
			Attempts:   attempts,
			Error:      fmt.Sprintf("decode failed: %v", err),
		})

		return
	}

	score := o.scoreFunc(samples, sampleRate)

	// Tonal distance needs the previous chunk's picked or best candidate.
	// When none exists yet it is recorded as unavailable; generation is
	// never blocked on ordering.
	var tonalDistance *float64

	if chunk.Index > 0 {
		reference, ok := refs.get(chunk.Index - 1)
		if ok {
			distance := o.distanceFunc(samples, reference, sampleRate)
			tonalDistance = &distance
		}
	}

	meta := vault.CandidateMeta{
		SessionID:           sessionID,
		ChunkIndex:          chunk.Index,
		CallID:              callID,
		DurationSeconds:     wav.Duration(samples, sampleRate),
		CompositeScore:      score,
		TonalDistanceToPrev: tonalDistance,
		BelowPrefilter:      score < o.cfg.PrefilterThreshold,
		GeneratedAt:         time.Now().UTC(),
	}

	written, err := o.store.WriteCandidate(audio, meta)
	if err != nil {
		run.addFailure(SlotFailure{
			ChunkIndex: chunk.Index,
			Slot:       slot,
			Attempts:   attempts,
			Error:      fmt.Sprintf("vault write failed: %v", err),
		})

		return
	}

	refs.update(chunk.Index, samples, score)
	run.addCandidate()

	o.log.Info(
		"Committed candidate %s chunk %d version %d (score %.3f)",
		sessionID, written.ChunkIndex, written.Version, score,
	)
}

// synthesizeWithRetry performs up to MaxAttempts calls for one slot,
// applying capped exponential backoff with jitter on throttled and
// transient failures. Every attempt is logged through the vault before any
// candidate write happens.
func (o *Orchestrator) synthesizeWithRetry(
	ctx context.Context,
	sessionID string,
	chunk inventory.Chunk,
	semaphore chan struct{},
	run *runState,
) (audio []byte, callID string, attempts int, err error) {
	callID = uuid.NewString()
	delay := o.cfg.BaseDelay

	var lastErr error

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		attempts = attempt

		audio, duration, callErr := o.dispatchCall(ctx, chunk, semaphore)
		run.addCall(len(chunk.Text), callErr == nil || o.cfg.BillFailedAttempts)

		status, retryable := classifyCallError(callErr)

		var backoff time.Duration
		if retryable && attempt < o.cfg.MaxAttempts {
			backoff = jitteredBackoff(delay, o.jitterFunc)
		}

		logErr := o.store.AppendCallAttempt(vault.CallAttempt{
			Timestamp:      time.Now().UTC(),
			SessionID:      sessionID,
			ChunkIndex:     chunk.Index,
			CallID:         callID,
			Attempt:        attempt,
			Status:         status,
			DurationMillis: duration.Milliseconds(),
			BackoffMillis:  backoff.Milliseconds(),
			Error:          errorString(callErr),
		})
		if logErr != nil {
			return nil, callID, attempts, fmt.Errorf("call log append failed: %w", logErr)
		}

		if callErr == nil {
			return audio, callID, attempts, nil
		}

		lastErr = callErr

		if !retryable {
			return nil, callID, attempts, fmt.Errorf(
				"chunk %d rejected: %w", chunk.Index, callErr,
			)
		}

		if attempt == o.cfg.MaxAttempts {
			break
		}

		run.addRetry()

		sleepErr := sleepContext(ctx, backoff)
		if sleepErr != nil {
			return nil, callID, attempts, fmt.Errorf(
				"chunk %d cancelled during backoff: %w", chunk.Index, sleepErr,
			)
		}

		delay = minDuration(delay*2, o.cfg.MaxDelay)
	}

	return nil, callID, attempts, fmt.Errorf(
		"chunk %d: retries exhausted after %d attempts: %w",
		chunk.Index, o.cfg.MaxAttempts, lastErr,
	)
}

// dispatchCall performs one synthesis call while holding a semaphore slot,
// so in-flight calls never exceed the configured cap regardless of caller
// behavior.
func (o *Orchestrator) dispatchCall(
	ctx context.Context,
	chunk inventory.Chunk,
	semaphore chan struct{},
) ([]byte, time.Duration, error) {
	semaphore <- struct{}{}
	defer func() { <-semaphore }()

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	start := time.Now()

	audio, err := o.synth.Synthesize(callCtx, core.SynthesisRequest{
		Text:        chunk.Text,
		Voice:       o.cfg.Voice,
		Emotion:     chunk.Emotion,
		Format:      "wav",
		Temperature: o.cfg.Temperature,
	})

	return audio, time.Since(start), err
}

// classifyCallError maps an error to a call log status and retryability.
// An expired per-call timeout counts as transient, not fatal.
func classifyCallError(err error) (status string, retryable bool) {
	switch {
	case err == nil:
		return vault.CallStatusOK, false
	case errors.Is(err, core.ErrThrottled):
		return vault.CallStatusThrottled, true
	case errors.Is(err, core.ErrTransient),
		errors.Is(err, context.DeadlineExceeded):
		return vault.CallStatusTransient, true
	default:
		return vault.CallStatusRejected, false
	}
}

// jitteredBackoff scales a delay by a factor in [0.75, 1.25).
func jitteredBackoff(delay time.Duration, jitter func() float64) time.Duration {
	factor := jitterFloor + jitterSpan*jitter()

	return time.Duration(float64(delay) * factor)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}

	return b
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

// runState accumulates report counters across workers.
type runState struct {
	mu     sync.Mutex
	report *RunReport
}

func (r *runState) addCall(characters int, billed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.report.Calls++
	r.report.AttemptedCharacters += characters

	if billed {
		r.report.BilledCharacters += characters
	}
}

func (r *runState) addRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.report.Retries++
}

func (r *runState) addCandidate() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.report.CandidatesWritten++
}

func (r *runState) addFailure(failure SlotFailure) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.report.Failures = append(r.report.Failures, failure)
}

// referenceTable tracks the tonal-distance reference per chunk: a seeded
// (already picked) winner is pinned; otherwise the best-scoring candidate
// seen so far.
type referenceTable struct {
	mu      sync.Mutex
	entries map[int]referenceEntry
}

type referenceEntry struct {
	samples []float64
	score   float64
	pinned  bool
}

func newReferenceTable(seeds map[int][]float64) *referenceTable {
	table := &referenceTable{entries: make(map[int]referenceEntry, len(seeds))}

	for index, samples := range seeds {
		table.entries[index] = referenceEntry{samples: samples, score: 0, pinned: true}
	}

	return table
}

func (t *referenceTable) get(index int) ([]float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[index]
	if !ok {
		return nil, false
	}

	return entry.samples, true
}

func (t *referenceTable) update(index int, samples []float64, score float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.entries[index]
	if ok && (current.pinned || current.score >= score) {
		return
	}

	t.entries[index] = referenceEntry{samples: samples, score: score, pinned: false}
}
