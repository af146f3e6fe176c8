package vault

import (
	"errors"
	"fmt"
	"time"
)

// Status is the session lifecycle state. Transitions are monotonic: a
// session never regresses to an earlier state except through explicit
// regeneration.
type Status string

// Session states.
const (
	StatusPending         Status = "PENDING"
	StatusCandidatesReady Status = "CANDIDATES_READY"
	StatusPicksComplete   Status = "PICKS_COMPLETE"
	StatusAssembled       Status = "ASSEMBLED"
	StatusQAPassed        Status = "QA_PASSED"
	StatusQAFailed        Status = "QA_FAILED"
)

// ErrInvalidTransition indicates an attempt to regress a session to an
// earlier lifecycle state.
var ErrInvalidTransition = errors.New("invalid session status transition")

var statusRank = map[Status]int{
	StatusPending:         0,
	StatusCandidatesReady: 1,
	StatusPicksComplete:   2,
	StatusAssembled:       3,
	StatusQAPassed:        4,
	StatusQAFailed:        4,
}

// Manifest is the per-session aggregate recomputed after each run. Unlike
// the candidate and generation logs, prior manifest snapshots are not
// retained.
type Manifest struct {
	SessionID         string    `toml:"session_id"`
	ScriptID          string    `toml:"script_id"`
	Status            Status    `toml:"status"`
	TotalChunks       int       `toml:"total_chunks"`
	TotalCandidates   int       `toml:"total_candidates"`
	TotalCalls        int       `toml:"total_calls"`
	TotalCharacters   int       `toml:"total_characters"`
	CostEstimate      float64   `toml:"cost_estimate"`
	GenerationSeconds float64   `toml:"generation_seconds"`
	UpdatedAt         time.Time `toml:"updated_at"`
}

// Transition advances the manifest to a new status, rejecting regressions.
func (m *Manifest) Transition(to Status) error {
	fromRank, ok := statusRank[m.Status]
	if !ok {
		fromRank = 0
	}

	toRank, ok := statusRank[to]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}

	if toRank < fromRank {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, to)
	}

	m.Status = to

	return nil
}

// Regenerate explicitly resets a session so new candidates can be produced
// after it already advanced past generation. This is the only sanctioned
// way to move a session backwards.
func (m *Manifest) Regenerate() {
	m.Status = StatusCandidatesReady
}
