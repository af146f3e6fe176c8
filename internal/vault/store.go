// Package vault implements the durable, append-only persistence layer for
// candidates, scores, picks, manifests, and logs.
//
// Integrity rules: candidate audio and metadata are never overwritten,
// version numbers are never reused, and the global logs only grow. Record
// writes are atomic (write-then-rename for files, a single serialized
// append for log records) so a crash never leaves a half-written record
// visible as committed.
package vault

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"

	"github.com/book-expert/narration-vault/internal/core"
)

// File and directory permissions.
const (
	filePermissions = 0o600
	dirPermissions  = 0o750
)

// Layout names. Chunk and version indices are zero-padded so the layout is
// deterministically lexically ordered and independently auditable.
const (
	chunksDirName       = "chunks"
	picksDirName        = "picks"
	finalDirName        = "final"
	chunkDirFormat      = "chunk_%02d"
	candidateFileFormat = "cand_%03d.wav"
	candidatesLogName   = "candidates.jsonl"
	picksFileName       = "picks.json"
	manifestFileName    = "manifest.toml"
	inventoryLogName    = "inventory.jsonl"
	callLogName         = "calls.jsonl"
	generationLogName   = "generation.jsonl"
	runLockName         = "run.lock"
	tempSuffix          = ".tmp"

	// MasterFileName is the lossless assembled intermediate, always
	// retained so re-encoding never requires re-assembly.
	MasterFileName = "master.wav"
	// DeliverableFileName is the compressed deliverable encoded from the
	// master.
	DeliverableFileName = "deliverable.m4a"
)

// Static errors.
var (
	ErrRootEmpty        = errors.New("vault root cannot be empty")
	ErrPicksNotFound    = errors.New("no picks recorded for session")
	ErrManifestNotFound = errors.New("no manifest recorded for session")
)

// Store is the vault. All append-log writes are serialized through a single
// mutex, the one shared mutable resource across concurrent workers.
type Store struct {
	root         string
	log          *logger.Logger
	mu           sync.Mutex
	nextVersion  map[string]int
	recordCounts map[string]int
}

// Open opens (creating if needed) a vault rooted at the given directory.
// Version allocation state is rebuilt lazily from the on-disk layout, so
// reopening after a crash or across runs never reuses a version number.
func Open(root string, log *logger.Logger) (*Store, error) {
	if root == "" {
		return nil, ErrRootEmpty
	}

	err := os.MkdirAll(root, dirPermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault root: %w", err)
	}

	return &Store{
		root:         root,
		log:          log,
		nextVersion:  make(map[string]int),
		recordCounts: make(map[string]int),
	}, nil
}

// Root returns the vault root directory.
func (s *Store) Root() string {
	return s.root
}

// SessionDir returns the directory holding one session's layout.
func (s *Store) SessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// ChunkDir returns the directory holding one chunk's candidates.
func (s *Store) ChunkDir(sessionID string, chunkIndex int) string {
	return filepath.Join(
		s.SessionDir(sessionID),
		chunksDirName,
		fmt.Sprintf(chunkDirFormat, chunkIndex),
	)
}

// CandidateAudioPath returns the stable, predictable path for a candidate,
// derived only from (session, chunk, version).
func (s *Store) CandidateAudioPath(sessionID string, chunkIndex, version int) string {
	return filepath.Join(
		s.ChunkDir(sessionID, chunkIndex),
		fmt.Sprintf(candidateFileFormat, version),
	)
}

// WriteCandidate persists one candidate: it allocates the next unused
// version for the chunk, writes the audio atomically, then appends the
// metadata record. The returned meta carries the assigned version and audio
// file name. Versions are monotonic and never reused, even after failures.
func (s *Store) WriteCandidate(audio []byte, meta CandidateMeta) (CandidateMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunkDir := s.ChunkDir(meta.SessionID, meta.ChunkIndex)

	err := os.MkdirAll(chunkDir, dirPermissions)
	if err != nil {
		return CandidateMeta{}, fmt.Errorf("failed to create chunk directory: %w", err)
	}

	version, err := s.allocateVersionLocked(meta.SessionID, meta.ChunkIndex)
	if err != nil {
		return CandidateMeta{}, err
	}

	meta.Version = version
	meta.AudioFile = fmt.Sprintf(candidateFileFormat, version)

	audioPath := filepath.Join(chunkDir, meta.AudioFile)

	_, statErr := os.Stat(audioPath)
	if statErr == nil {
		return CandidateMeta{}, fmt.Errorf(
			"%w: candidate %s chunk %d version %d already exists",
			core.ErrIntegrityViolation, meta.SessionID, meta.ChunkIndex, version,
		)
	}

	err = writeFileAtomic(audioPath, audio)
	if err != nil {
		return CandidateMeta{}, fmt.Errorf("failed to write candidate audio: %w", err)
	}

	err = s.appendRecordLocked(filepath.Join(chunkDir, candidatesLogName), meta)
	if err != nil {
		return CandidateMeta{}, err
	}

	s.nextVersion[versionKey(meta.SessionID, meta.ChunkIndex)] = version + 1

	return meta, nil
}

// ReadCandidateAudio returns the audio bytes of one candidate.
func (s *Store) ReadCandidateAudio(sessionID string, chunkIndex, version int) ([]byte, error) {
	data, err := os.ReadFile(s.CandidateAudioPath(sessionID, chunkIndex, version))
	if err != nil {
		return nil, fmt.Errorf("failed to read candidate audio: %w", err)
	}

	return data, nil
}

// ListCandidates returns the metadata records for one chunk in version
// order. By default candidates flagged below the pre-filter threshold are
// excluded from the listing; they remain on disk either way.
func (s *Store) ListCandidates(
	sessionID string,
	chunkIndex int,
	includeBelowPrefilter bool,
) ([]CandidateMeta, error) {
	logPath := filepath.Join(s.ChunkDir(sessionID, chunkIndex), candidatesLogName)

	lines, err := readRecordLines(logPath)
	if err != nil {
		return nil, err
	}

	candidates := make([]CandidateMeta, 0, len(lines))

	for _, line := range lines {
		var meta CandidateMeta

		unmarshalErr := json.Unmarshal(line, &meta)
		if unmarshalErr != nil {
			// A torn trailing record from a crash is recoverable; the
			// candidates it described were never committed.
			s.log.Warn("Skipping unreadable candidate record in %s: %v", logPath, unmarshalErr)

			continue
		}

		if meta.BelowPrefilter && !includeBelowPrefilter {
			continue
		}

		candidates = append(candidates, meta)
	}

	return candidates, nil
}

// CountCandidates returns the number of committed candidates for a session
// across all chunks, including those flagged below the pre-filter.
func (s *Store) CountCandidates(sessionID string) (int, error) {
	chunkDirs, err := filepath.Glob(
		filepath.Join(s.SessionDir(sessionID), chunksDirName, "chunk_*"),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to list chunk directories: %w", err)
	}

	total := 0

	for _, dir := range chunkDirs {
		audioFiles, globErr := filepath.Glob(filepath.Join(dir, "cand_*.wav"))
		if globErr != nil {
			return 0, fmt.Errorf("failed to list candidates: %w", globErr)
		}

		total += len(audioFiles)
	}

	return total, nil
}

// SavePicks atomically replaces the current pick set for a session. Picks
// are references only; prior candidates are untouched.
func (s *Store) SavePicks(picks PickSet) error {
	picksDir := filepath.Join(s.SessionDir(picks.SessionID), picksDirName)

	err := os.MkdirAll(picksDir, dirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create picks directory: %w", err)
	}

	data, err := json.MarshalIndent(picks, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal picks: %w", err)
	}

	err = writeFileAtomic(filepath.Join(picksDir, picksFileName), data)
	if err != nil {
		return fmt.Errorf("failed to write picks: %w", err)
	}

	return nil
}

// LoadPicks returns the current pick set for a session.
func (s *Store) LoadPicks(sessionID string) (PickSet, error) {
	data, err := os.ReadFile(
		filepath.Join(s.SessionDir(sessionID), picksDirName, picksFileName),
	)
	if err != nil {
		if os.IsNotExist(err) {
			return PickSet{}, fmt.Errorf("%w: %s", ErrPicksNotFound, sessionID)
		}

		return PickSet{}, fmt.Errorf("failed to read picks: %w", err)
	}

	var picks PickSet

	err = json.Unmarshal(data, &picks)
	if err != nil {
		return PickSet{}, fmt.Errorf("failed to parse picks: %w", err)
	}

	return picks, nil
}

// WriteManifest atomically replaces the session manifest. Prior snapshots
// are not retained; only the append-only logs are permanent.
func (s *Store) WriteManifest(manifest Manifest) error {
	sessionDir := s.SessionDir(manifest.SessionID)

	err := os.MkdirAll(sessionDir, dirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	data, err := toml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	err = writeFileAtomic(filepath.Join(sessionDir, manifestFileName), data)
	if err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	return nil
}

// LoadManifest returns the current session manifest.
func (s *Store) LoadManifest(sessionID string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.SessionDir(sessionID), manifestFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, fmt.Errorf("%w: %s", ErrManifestNotFound, sessionID)
		}

		return Manifest{}, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest

	err = toml.Unmarshal(data, &manifest)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to parse manifest: %w", err)
	}

	return manifest, nil
}

// WriteFinalArtifact writes an assembled output under the session's final
// directory and returns its path.
func (s *Store) WriteFinalArtifact(sessionID, name string, data []byte) (string, error) {
	finalDir := filepath.Join(s.SessionDir(sessionID), finalDirName)

	err := os.MkdirAll(finalDir, dirPermissions)
	if err != nil {
		return "", fmt.Errorf("failed to create final directory: %w", err)
	}

	path := filepath.Join(finalDir, name)

	err = writeFileAtomic(path, data)
	if err != nil {
		return "", fmt.Errorf("failed to write final artifact: %w", err)
	}

	return path, nil
}

// FinalArtifactPath returns the path of a final artifact by name.
func (s *Store) FinalArtifactPath(sessionID, name string) string {
	return filepath.Join(s.SessionDir(sessionID), finalDirName, name)
}

// AppendCallAttempt appends one call attempt to the global call log. The
// call log is independent of, and always precedes, the candidate write.
func (s *Store) AppendCallAttempt(attempt CallAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendRecordLocked(filepath.Join(s.root, callLogName), attempt)
}

// ReadCallAttempts returns every committed call attempt in append order.
func (s *Store) ReadCallAttempts() ([]CallAttempt, error) {
	return readRecordsAs[CallAttempt](s, filepath.Join(s.root, callLogName))
}

// AppendGenerationEntry appends one run summary to the global generation
// log.
func (s *Store) AppendGenerationEntry(entry GenerationLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendRecordLocked(filepath.Join(s.root, generationLogName), entry)
}

// ReadGenerationLog returns the full run history in append order.
func (s *Store) ReadGenerationLog() ([]GenerationLogEntry, error) {
	return readRecordsAs[GenerationLogEntry](s, filepath.Join(s.root, generationLogName))
}

// AppendInventoryRecord appends one script registration to the global
// inventory log.
func (s *Store) AppendInventoryRecord(record InventoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendRecordLocked(filepath.Join(s.root, inventoryLogName), record)
}

// ReadInventoryLog returns every registered script in append order.
func (s *Store) ReadInventoryLog() ([]InventoryRecord, error) {
	return readRecordsAs[InventoryRecord](s, filepath.Join(s.root, inventoryLogName))
}

// HasInventoryRecord reports whether a session was already registered.
func (s *Store) HasInventoryRecord(sessionID string) (bool, error) {
	records, err := s.ReadInventoryLog()
	if err != nil {
		return false, err
	}

	for _, record := range records {
		if record.SessionID == sessionID {
			return true, nil
		}
	}

	return false, nil
}

// AcquireRunLock takes the system-wide generation lock. It returns a release
// function, or core.ErrRunInProgress when another run holds the lock.
func (s *Store) AcquireRunLock() (func(), error) {
	lockPath := filepath.Join(s.root, runLockName)

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePermissions)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: lock file %s", core.ErrRunInProgress, lockPath)
		}

		return nil, fmt.Errorf("failed to create run lock: %w", err)
	}

	fmt.Fprintf(file, "pid %d at %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))

	closeErr := file.Close()
	if closeErr != nil {
		s.log.Warn("Failed to close run lock file: %v", closeErr)
	}

	release := func() {
		removeErr := os.Remove(lockPath)
		if removeErr != nil {
			s.log.Warn("Failed to remove run lock file: %v", removeErr)
		}
	}

	return release, nil
}

// BackupTargets enumerates every file a finished run must mirror for a
// session: all candidates, picks, final artifacts, metadata, and the global
// logs. Keys are vault-root-relative with forward slashes.
func (s *Store) BackupTargets(sessionID string) ([]string, error) {
	var targets []string

	sessionDir := s.SessionDir(sessionID)

	walkErr := filepath.Walk(sessionDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() || strings.HasSuffix(path, tempSuffix) {
			return nil
		}

		relative, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return relErr
		}

		targets = append(targets, filepath.ToSlash(relative))

		return nil
	})
	if walkErr != nil && !os.IsNotExist(walkErr) {
		return nil, fmt.Errorf("failed to walk session directory: %w", walkErr)
	}

	for _, name := range []string{inventoryLogName, callLogName, generationLogName} {
		_, statErr := os.Stat(filepath.Join(s.root, name))
		if statErr == nil {
			targets = append(targets, name)
		}
	}

	return targets, nil
}

// ReadRelative reads a vault file by its root-relative backup key.
func (s *Store) ReadRelative(key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(key)))
	if err != nil {
		return nil, fmt.Errorf("failed to read vault file %s: %w", key, err)
	}

	return data, nil
}

// allocateVersionLocked returns the next unused version for a chunk,
// seeding from the on-disk layout the first time a chunk is seen. Both the
// audio files and the metadata log are consulted so an interrupted write
// can never cause reuse.
func (s *Store) allocateVersionLocked(sessionID string, chunkIndex int) (int, error) {
	key := versionKey(sessionID, chunkIndex)

	next, ok := s.nextVersion[key]
	if ok {
		return next, nil
	}

	chunkDir := s.ChunkDir(sessionID, chunkIndex)
	next = 0

	audioFiles, err := filepath.Glob(filepath.Join(chunkDir, "cand_*.wav"))
	if err != nil {
		return 0, fmt.Errorf("failed to scan chunk directory: %w", err)
	}

	for _, path := range audioFiles {
		var version int

		_, scanErr := fmt.Sscanf(filepath.Base(path), candidateFileFormat, &version)
		if scanErr == nil && version >= next {
			next = version + 1
		}
	}

	records, err := s.ListCandidates(sessionID, chunkIndex, true)
	if err != nil {
		return 0, err
	}

	for _, meta := range records {
		if meta.Version >= next {
			next = meta.Version + 1
		}
	}

	s.removeStaleTempFiles(chunkDir)
	s.nextVersion[key] = next

	return next, nil
}

// removeStaleTempFiles clears uncommitted write-then-rename leftovers from
// a crashed run. They were never observable as candidates.
func (s *Store) removeStaleTempFiles(dir string) {
	stale, err := filepath.Glob(filepath.Join(dir, "*"+tempSuffix))
	if err != nil {
		return
	}

	for _, path := range stale {
		removeErr := os.Remove(path)
		if removeErr != nil {
			s.log.Warn("Failed to remove stale temp file %s: %v", path, removeErr)
		} else {
			s.log.Info("Removed stale temp file from interrupted write: %s", path)
		}
	}
}

// appendRecordLocked appends one JSON record to an append-only log. Each
// append is a compare-and-append: the on-disk record count must match the
// writer's last known count, so concurrent interference from another
// process aborts instead of silently interleaving.
func (s *Store) appendRecordLocked(path string, record any) error {
	onDisk, torn, err := countRecords(path)
	if err != nil {
		return err
	}

	known, seen := s.recordCounts[path]
	if seen && known != onDisk {
		return fmt.Errorf(
			"%w: log %s has %d records, writer expected %d",
			core.ErrIntegrityViolation, path, onDisk, known,
		)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to open log %s: %w", path, err)
	}

	// Seal a torn trailing line from a crashed append so the new record
	// starts on its own line. The torn line stays in the file and is
	// skipped by readers; committed records are never rewritten. Sealing
	// makes the junk newline-terminated, so it counts as one extra line on
	// later appends.
	payload := append(data, '\n')
	if torn {
		payload = append([]byte{'\n'}, payload...)
	}

	_, writeErr := file.Write(payload)
	syncErr := file.Sync()
	closeErr := file.Close()

	if writeErr != nil {
		return fmt.Errorf("failed to append record to %s: %w", path, writeErr)
	}

	if syncErr != nil {
		return fmt.Errorf("failed to sync log %s: %w", path, syncErr)
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close log %s: %w", path, closeErr)
	}

	s.recordCounts[path] = onDisk + 1
	if torn {
		s.recordCounts[path]++
	}

	return nil
}

func versionKey(sessionID string, chunkIndex int) string {
	return fmt.Sprintf("%s/%d", sessionID, chunkIndex)
}

// countRecords counts committed (newline-terminated) records and reports
// whether the log ends in a torn partial line.
func countRecords(path string) (count int, torn bool, err error) {
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return 0, false, nil
		}

		return 0, false, fmt.Errorf("failed to read log %s: %w", path, readErr)
	}

	if len(data) == 0 {
		return 0, false, nil
	}

	count = bytes.Count(data, []byte{'\n'})
	torn = data[len(data)-1] != '\n'

	return count, torn, nil
}

// readRecordLines returns the committed record lines of a log, skipping
// blank lines and any torn trailing line.
func readRecordLines(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read log %s: %w", path, err)
	}

	rawLines := bytes.Split(data, []byte{'\n'})

	// A file not ending in a newline has a torn final record; it was never
	// committed.
	if len(data) > 0 && data[len(data)-1] != '\n' {
		rawLines = rawLines[:len(rawLines)-1]
	}

	lines := make([][]byte, 0, len(rawLines))

	for _, line := range rawLines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		lines = append(lines, line)
	}

	return lines, nil
}

// readRecordsAs decodes every committed record of a log, skipping malformed
// lines.
func readRecordsAs[T any](s *Store, path string) ([]T, error) {
	lines, err := readRecordLines(path)
	if err != nil {
		return nil, err
	}

	records := make([]T, 0, len(lines))

	for _, line := range lines {
		var record T

		unmarshalErr := json.Unmarshal(line, &record)
		if unmarshalErr != nil {
			s.log.Warn("Skipping unreadable record in %s: %v", path, unmarshalErr)

			continue
		}

		records = append(records, record)
	}

	return records, nil
}

// writeFileAtomic writes data to a temporary file in the target directory
// and renames it into place, so a crash never exposes a partial file.
func writeFileAtomic(path string, data []byte) error {
	tempPath := path + tempSuffix

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	_, writeErr := file.Write(data)
	syncErr := file.Sync()
	closeErr := file.Close()

	if writeErr != nil {
		return fmt.Errorf("failed to write temp file: %w", writeErr)
	}

	if syncErr != nil {
		return fmt.Errorf("failed to sync temp file: %w", syncErr)
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close temp file: %w", closeErr)
	}

	err = os.Rename(tempPath, path)
	if err != nil {
		return fmt.Errorf("failed to commit file %s: %w", path, err)
	}

	return nil
}
