// Package assembly_test tests the deterministic assembly engine.
package assembly_test

import (
	"context"
	"math"
	"os"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narration-vault/internal/assembly"
	"github.com/book-expert/narration-vault/internal/core"
	"github.com/book-expert/narration-vault/internal/vault"
	"github.com/book-expert/narration-vault/internal/wav"
)

const (
	testSession    = "session-001"
	testSampleRate = 8000
)

// mockEncoder records the encode request and writes a marker deliverable.
type mockEncoder struct {
	masterPath string
	outputPath string
}

func (m *mockEncoder) Encode(_ context.Context, masterPath, outputPath string) error {
	m.masterPath = masterPath
	m.outputPath = outputPath

	return os.WriteFile(outputPath, []byte("encoded"), 0o600)
}

func newTestStore(t *testing.T) *vault.Store {
	t.Helper()

	log, err := logger.New(t.TempDir(), "assembly-test.log")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = log.Close()
	})

	store, err := vault.Open(t.TempDir(), log)
	require.NoError(t, err)

	return store
}

func newTestEngine(t *testing.T, store *vault.Store, encoder core.Encoder) *assembly.Engine {
	t.Helper()

	log, err := logger.New(t.TempDir(), "assembly-test.log")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = log.Close()
	})

	return assembly.New(
		store, encoder, assembly.DefaultConfig(), assembly.DefaultQAGateConfig(), log,
	)
}

// toneAudio is an encoded WAV sine tone.
func toneAudio(frequency float64, seconds float64, sampleRate int) []byte {
	count := int(seconds * float64(sampleRate))
	samples := make([]float64, count)

	for i := range count {
		samples[i] = 0.5 * math.Sin(2*math.Pi*frequency*float64(i)/float64(sampleRate))
	}

	return wav.Encode(samples, sampleRate)
}

func writeCandidate(t *testing.T, store *vault.Store, chunkIndex int, audio []byte) int {
	t.Helper()

	written, err := store.WriteCandidate(audio, vault.CandidateMeta{
		SessionID:   testSession,
		ChunkIndex:  chunkIndex,
		CallID:      "call-test",
		GeneratedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	return written.Version
}

func TestAssembleProducesDeterministicMaster(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	picks := map[int]int{
		0: writeCandidate(t, store, 0, toneAudio(220, 0.5, testSampleRate)),
		1: writeCandidate(t, store, 1, toneAudio(330, 0.5, testSampleRate)),
	}
	silences := []float64{0.5, 0}

	engine := newTestEngine(t, store, &mockEncoder{})

	first, err := engine.Assemble(context.Background(), testSession, picks, silences)
	require.NoError(t, err)
	assert.Equal(t, assembly.StageQAChecked, first.Stage)

	firstMaster, err := os.ReadFile(first.MasterPath)
	require.NoError(t, err)

	second, err := engine.Assemble(context.Background(), testSession, picks, silences)
	require.NoError(t, err)

	secondMaster, err := os.ReadFile(second.MasterPath)
	require.NoError(t, err)

	assert.Equal(t, firstMaster, secondMaster)
}

func TestAssembleDurationMatchesChunksPlusSilence(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	picks := map[int]int{
		0: writeCandidate(t, store, 0, toneAudio(220, 0.5, testSampleRate)),
		1: writeCandidate(t, store, 1, toneAudio(247, 1.0, testSampleRate)),
		2: writeCandidate(t, store, 2, toneAudio(277, 0.5, testSampleRate)),
	}
	silences := []float64{0, 3, 0}

	engine := newTestEngine(t, store, &mockEncoder{})

	result, err := engine.Assemble(context.Background(), testSession, picks, silences)
	require.NoError(t, err)

	assert.InDelta(t, 5.0, result.DurationSeconds, 0.05)

	// The integrated level lands on the normalization target.
	assert.InDelta(t, assembly.DefaultTargetLevelDB, result.IntegratedLevelDB, 3.0)
	assert.LessOrEqual(t, result.PeakDB, assembly.DefaultTruePeakCeilingDB+0.1)
}

func TestAssembleRejectsIncompletePicks(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	picks := map[int]int{
		0: writeCandidate(t, store, 0, toneAudio(220, 0.5, testSampleRate)),
	}

	engine := newTestEngine(t, store, &mockEncoder{})

	// Two chunks declared, one pick given.
	result, err := engine.Assemble(context.Background(), testSession, picks, []float64{0, 0})
	require.ErrorIs(t, err, core.ErrIncompletePicks)
	assert.Equal(t, assembly.StageNotStarted, result.Stage)
}

func TestAssembleRejectsNoChunks(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, newTestStore(t), &mockEncoder{})

	_, err := engine.Assemble(context.Background(), testSession, nil, nil)
	require.ErrorIs(t, err, assembly.ErrNoChunks)
}

func TestAssembleRejectsSampleRateMismatch(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	picks := map[int]int{
		0: writeCandidate(t, store, 0, toneAudio(220, 0.5, 8000)),
		1: writeCandidate(t, store, 1, toneAudio(220, 0.5, 16000)),
	}

	engine := newTestEngine(t, store, &mockEncoder{})

	_, err := engine.Assemble(context.Background(), testSession, picks, []float64{0, 0})
	require.ErrorIs(t, err, assembly.ErrSampleRateMismatch)
}

func TestAssembleQAGateFailureRetainsArtifact(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	// A silent pick cannot meet the integrated level target.
	silent := wav.Encode(make([]float64, testSampleRate*2), testSampleRate)

	picks := map[int]int{0: writeCandidate(t, store, 0, silent)}

	engine := newTestEngine(t, store, &mockEncoder{})

	result, err := engine.Assemble(context.Background(), testSession, picks, []float64{0})
	require.ErrorIs(t, err, core.ErrQAGateFailure)

	assert.Equal(t, assembly.StageQAChecked, result.Stage)
	require.NotEmpty(t, result.Gates)

	failed := 0

	for _, gate := range result.Gates {
		if !gate.Passed {
			failed++
		}
	}

	assert.Positive(t, failed)

	// The failed artifact stays on disk for diagnosis.
	_, statErr := os.Stat(result.MasterPath)
	require.NoError(t, statErr)
}

func TestAssembleWritesDeliverableThroughEncoder(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	picks := map[int]int{
		0: writeCandidate(t, store, 0, toneAudio(220, 1.2, testSampleRate)),
	}

	encoder := &mockEncoder{}
	engine := newTestEngine(t, store, encoder)

	result, err := engine.Assemble(context.Background(), testSession, picks, []float64{0})
	require.NoError(t, err)

	assert.Equal(t, result.MasterPath, encoder.masterPath)
	assert.Equal(t, result.DeliverablePath, encoder.outputPath)

	deliverable, err := os.ReadFile(result.DeliverablePath)
	require.NoError(t, err)
	assert.Equal(t, []byte("encoded"), deliverable)

	// Source candidates are untouched by assembly.
	original, err := store.ReadCandidateAudio(testSession, 0, picks[0])
	require.NoError(t, err)
	assert.Equal(t, toneAudio(220, 1.2, testSampleRate), original)
}
