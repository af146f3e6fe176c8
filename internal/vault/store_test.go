// Package vault_test tests the vault store's integrity guarantees.
package vault_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narration-vault/internal/core"
	"github.com/book-expert/narration-vault/internal/vault"
)

const testSession = "session-001"

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "vault-test.log")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = log.Close()
	})

	return log
}

func newTestStore(t *testing.T) (*vault.Store, string) {
	t.Helper()

	root := t.TempDir()

	store, err := vault.Open(root, newTestLogger(t))
	require.NoError(t, err)

	return store, root
}

func testMeta(chunkIndex int) vault.CandidateMeta {
	return vault.CandidateMeta{
		SessionID:       testSession,
		ChunkIndex:      chunkIndex,
		CallID:          "call-abc",
		DurationSeconds: 1.5,
		CompositeScore:  0.8,
		GeneratedAt:     time.Now().UTC(),
	}
}

func TestOpenRejectsEmptyRoot(t *testing.T) {
	t.Parallel()

	_, err := vault.Open("", newTestLogger(t))
	require.ErrorIs(t, err, vault.ErrRootEmpty)
}

func TestWriteCandidateAssignsMonotonicVersions(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	for want := range 3 {
		written, err := store.WriteCandidate([]byte("audio"), testMeta(0))
		require.NoError(t, err)
		assert.Equal(t, want, written.Version)
	}

	// A different chunk versions independently.
	written, err := store.WriteCandidate([]byte("audio"), testMeta(1))
	require.NoError(t, err)
	assert.Equal(t, 0, written.Version)
}

func TestVersionsNeverReusedAcrossReopen(t *testing.T) {
	t.Parallel()

	store, root := newTestStore(t)

	first, err := store.WriteCandidate([]byte("take one"), testMeta(0))
	require.NoError(t, err)

	reopened, err := vault.Open(root, newTestLogger(t))
	require.NoError(t, err)

	second, err := reopened.WriteCandidate([]byte("take two"), testMeta(0))
	require.NoError(t, err)

	assert.Greater(t, second.Version, first.Version)

	// The original audio is untouched.
	audio, err := reopened.ReadCandidateAudio(testSession, 0, first.Version)
	require.NoError(t, err)
	assert.Equal(t, []byte("take one"), audio)
}

func TestReopenAfterSimulatedCrashSealsTornRecord(t *testing.T) {
	t.Parallel()

	store, root := newTestStore(t)

	_, err := store.WriteCandidate([]byte("committed"), testMeta(0))
	require.NoError(t, err)

	chunkDir := store.ChunkDir(testSession, 0)

	// Simulate a crash mid-append: a torn, non-newline-terminated record at
	// the log tail plus a stale temp file from an interrupted audio write.
	logPath := filepath.Join(chunkDir, "candidates.jsonl")
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = file.WriteString(`{"session_id":"session-001","chunk_index":0,"ver`)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	stale := filepath.Join(chunkDir, "cand_001.wav.tmp")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o600))

	reopened, err := vault.Open(root, newTestLogger(t))
	require.NoError(t, err)

	written, err := reopened.WriteCandidate([]byte("after crash"), testMeta(0))
	require.NoError(t, err)
	assert.Equal(t, 1, written.Version)

	// The stale temp file was cleared, never visible as a candidate.
	_, statErr := os.Stat(stale)
	assert.True(t, os.IsNotExist(statErr))

	// Sealing happens once; the same writer keeps appending to the log
	// afterwards, as a multi-candidate run does.
	for want := 2; want <= 4; want++ {
		written, err = reopened.WriteCandidate([]byte("another take"), testMeta(0))
		require.NoError(t, err)
		assert.Equal(t, want, written.Version)
	}

	// All committed records are readable; the torn line is skipped.
	candidates, err := reopened.ListCandidates(testSession, 0, true)
	require.NoError(t, err)
	require.Len(t, candidates, 5)

	for i, candidate := range candidates {
		assert.Equal(t, i, candidate.Version)
	}
}

func TestGlobalLogKeepsAppendingAfterTornTailRecovery(t *testing.T) {
	t.Parallel()

	store, root := newTestStore(t)

	attempt := vault.CallAttempt{
		Timestamp: time.Now().UTC(),
		SessionID: testSession,
		CallID:    "call-1",
		Attempt:   1,
		Status:    vault.CallStatusOK,
	}

	require.NoError(t, store.AppendCallAttempt(attempt))

	// Crash mid-append leaves a torn partial record at the tail.
	logPath := filepath.Join(root, "calls.jsonl")
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = file.WriteString(`{"timestamp":"2026-08-25T`)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	reopened, err := vault.Open(root, newTestLogger(t))
	require.NoError(t, err)

	// The first append seals the torn line; every later append from the
	// same writer must still succeed.
	for i := range 3 {
		attempt.Attempt = i + 2
		require.NoError(t, reopened.AppendCallAttempt(attempt))
	}

	attempts, err := reopened.ReadCallAttempts()
	require.NoError(t, err)
	require.Len(t, attempts, 4)
	assert.Equal(t, 1, attempts[0].Attempt)
	assert.Equal(t, 4, attempts[3].Attempt)
}

func TestWriteCandidateRefusesToOverwrite(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	written, err := store.WriteCandidate([]byte("audio"), testMeta(0))
	require.NoError(t, err)

	// Plant a file at the version the store will allocate next. The store
	// must refuse rather than overwrite.
	planted := store.CandidateAudioPath(testSession, 0, written.Version+1)
	require.NoError(t, os.WriteFile(planted, []byte("foreign"), 0o600))

	_, err = store.WriteCandidate([]byte("audio"), testMeta(0))
	require.ErrorIs(t, err, core.ErrIntegrityViolation)

	// The foreign file is intact.
	data, readErr := os.ReadFile(planted)
	require.NoError(t, readErr)
	assert.Equal(t, []byte("foreign"), data)
}

func TestAppendDetectsExternalInterference(t *testing.T) {
	t.Parallel()

	storeA, root := newTestStore(t)

	attempt := vault.CallAttempt{
		Timestamp: time.Now().UTC(),
		SessionID: testSession,
		CallID:    "call-1",
		Attempt:   1,
		Status:    vault.CallStatusOK,
	}

	require.NoError(t, storeA.AppendCallAttempt(attempt))

	// A second writer appends behind the first store's back.
	storeB, err := vault.Open(root, newTestLogger(t))
	require.NoError(t, err)
	require.NoError(t, storeB.AppendCallAttempt(attempt))

	err = storeA.AppendCallAttempt(attempt)
	require.ErrorIs(t, err, core.ErrIntegrityViolation)
}

func TestListCandidatesFiltersBelowPrefilter(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	good := testMeta(0)
	good.CompositeScore = 0.9

	flagged := testMeta(0)
	flagged.CompositeScore = 0.1
	flagged.BelowPrefilter = true

	_, err := store.WriteCandidate([]byte("good"), good)
	require.NoError(t, err)
	_, err = store.WriteCandidate([]byte("flagged"), flagged)
	require.NoError(t, err)

	visible, err := store.ListCandidates(testSession, 0, false)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.False(t, visible[0].BelowPrefilter)

	all, err := store.ListCandidates(testSession, 0, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// The flagged candidate's audio stays on disk.
	audio, err := store.ReadCandidateAudio(testSession, 0, all[1].Version)
	require.NoError(t, err)
	assert.Equal(t, []byte("flagged"), audio)
}

func TestCountCandidates(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	for chunk := range 2 {
		for range 3 {
			_, err := store.WriteCandidate([]byte("audio"), testMeta(chunk))
			require.NoError(t, err)
		}
	}

	count, err := store.CountCandidates(testSession)
	require.NoError(t, err)
	assert.Equal(t, 6, count)
}

func TestPicksRoundTrip(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	_, err := store.LoadPicks(testSession)
	require.ErrorIs(t, err, vault.ErrPicksNotFound)

	picks := vault.PickSet{
		SessionID: testSession,
		UpdatedAt: time.Now().UTC(),
		Picks: []vault.Pick{
			{ChunkIndex: 0, PickedVersion: 2},
			{ChunkIndex: 1, PickedVersion: 0, Notes: "warmer read"},
		},
	}

	require.NoError(t, store.SavePicks(picks))

	loaded, err := store.LoadPicks(testSession)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{0: 2, 1: 0}, loaded.Map())

	// Changing a pick replaces the reference, nothing else.
	picks.Picks[0].PickedVersion = 5
	require.NoError(t, store.SavePicks(picks))

	loaded, err = store.LoadPicks(testSession)
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.Map()[0])
}

func TestManifestRoundTrip(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	_, err := store.LoadManifest(testSession)
	require.ErrorIs(t, err, vault.ErrManifestNotFound)

	manifest := vault.Manifest{
		SessionID:       testSession,
		ScriptID:        "script-001",
		Status:          vault.StatusCandidatesReady,
		TotalChunks:     3,
		TotalCandidates: 12,
		UpdatedAt:       time.Now().UTC(),
	}

	require.NoError(t, store.WriteManifest(manifest))

	loaded, err := store.LoadManifest(testSession)
	require.NoError(t, err)
	assert.Equal(t, manifest.Status, loaded.Status)
	assert.Equal(t, manifest.TotalChunks, loaded.TotalChunks)
	assert.Equal(t, manifest.TotalCandidates, loaded.TotalCandidates)
}

func TestGlobalLogsAppendInOrder(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	for attempt := 1; attempt <= 3; attempt++ {
		err := store.AppendCallAttempt(vault.CallAttempt{
			Timestamp: time.Now().UTC(),
			SessionID: testSession,
			CallID:    "call-1",
			Attempt:   attempt,
			Status:    vault.CallStatusThrottled,
		})
		require.NoError(t, err)
	}

	attempts, err := store.ReadCallAttempts()
	require.NoError(t, err)
	require.Len(t, attempts, 3)

	for i, attempt := range attempts {
		assert.Equal(t, i+1, attempt.Attempt)
	}

	err = store.AppendGenerationEntry(vault.GenerationLogEntry{
		RunID:     "run-1",
		SessionID: testSession,
	})
	require.NoError(t, err)

	entries, err := store.ReadGenerationLog()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "run-1", entries[0].RunID)
}

func TestInventoryRecordRegistration(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	registered, err := store.HasInventoryRecord(testSession)
	require.NoError(t, err)
	assert.False(t, registered)

	err = store.AppendInventoryRecord(vault.InventoryRecord{
		RecordedAt: time.Now().UTC(),
		SessionID:  testSession,
		ScriptID:   "script-001",
		Chunks:     3,
		Characters: 120,
	})
	require.NoError(t, err)

	registered, err = store.HasInventoryRecord(testSession)
	require.NoError(t, err)
	assert.True(t, registered)
}

func TestRunLockIsExclusive(t *testing.T) {
	t.Parallel()

	store, root := newTestStore(t)

	release, err := store.AcquireRunLock()
	require.NoError(t, err)

	other, err := vault.Open(root, newTestLogger(t))
	require.NoError(t, err)

	_, err = other.AcquireRunLock()
	require.ErrorIs(t, err, core.ErrRunInProgress)

	release()

	releaseAgain, err := other.AcquireRunLock()
	require.NoError(t, err)
	releaseAgain()
}

func TestBackupTargetsAndReadRelative(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	written, err := store.WriteCandidate([]byte("audio"), testMeta(0))
	require.NoError(t, err)

	require.NoError(t, store.AppendCallAttempt(vault.CallAttempt{
		Timestamp: time.Now().UTC(),
		SessionID: testSession,
		CallID:    written.CallID,
		Attempt:   1,
		Status:    vault.CallStatusOK,
	}))

	_, err = store.WriteFinalArtifact(testSession, vault.MasterFileName, []byte("master"))
	require.NoError(t, err)

	targets, err := store.BackupTargets(testSession)
	require.NoError(t, err)

	assert.Contains(t, targets, "session-001/chunks/chunk_00/cand_000.wav")
	assert.Contains(t, targets, "session-001/chunks/chunk_00/candidates.jsonl")
	assert.Contains(t, targets, "session-001/final/master.wav")
	assert.Contains(t, targets, "calls.jsonl")

	data, err := store.ReadRelative("session-001/final/master.wav")
	require.NoError(t, err)
	assert.Equal(t, []byte("master"), data)
}
