package vault

import "time"

// CandidateMeta is the metadata record persisted for one synthesized
// candidate. Once written, a candidate's audio and metadata are immutable; a
// failed pre-filter flags the candidate but never deletes it.
type CandidateMeta struct {
	SessionID           string    `json:"session_id"`
	ChunkIndex          int       `json:"chunk_index"`
	Version             int       `json:"version"`
	CallID              string    `json:"call_id"`
	AudioFile           string    `json:"audio_file"`
	DurationSeconds     float64   `json:"duration_seconds"`
	CompositeScore      float64   `json:"composite_score"`
	TonalDistanceToPrev *float64  `json:"tonal_distance_to_prev,omitempty"`
	BelowPrefilter      bool      `json:"below_prefilter"`
	GeneratedAt         time.Time `json:"generated_at"`
}

// CallAttempt is one record in the global call log: every attempt against
// the synthesis capability, success or failure, is appended here before any
// candidate write.
type CallAttempt struct {
	Timestamp      time.Time `json:"timestamp"`
	SessionID      string    `json:"session_id"`
	ChunkIndex     int       `json:"chunk_index"`
	CallID         string    `json:"call_id"`
	Attempt        int       `json:"attempt"`
	Status         string    `json:"status"`
	DurationMillis int64     `json:"duration_millis"`
	BackoffMillis  int64     `json:"backoff_millis,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Call attempt statuses.
const (
	CallStatusOK        = "ok"
	CallStatusThrottled = "throttled"
	CallStatusTransient = "transient"
	CallStatusRejected  = "rejected"
)

// GenerationLogEntry is one record per orchestrator run, appended to the
// global generation log for the lifetime of the system.
type GenerationLogEntry struct {
	RunID               string    `json:"run_id"`
	SessionID           string    `json:"session_id"`
	ScriptID            string    `json:"script_id"`
	StartedAt           time.Time `json:"started_at"`
	FinishedAt          time.Time `json:"finished_at"`
	Calls               int       `json:"calls"`
	Retries             int       `json:"retries"`
	Errors              int       `json:"errors"`
	CandidatesWritten   int       `json:"candidates_written"`
	AttemptedCharacters int       `json:"attempted_characters"`
	BilledCharacters    int       `json:"billed_characters"`
	CostEstimate        float64   `json:"cost_estimate"`
}

// InventoryRecord is one record in the global inventory log, appended when a
// script is first registered with the vault.
type InventoryRecord struct {
	RecordedAt time.Time `json:"recorded_at"`
	SessionID  string    `json:"session_id"`
	ScriptID   string    `json:"script_id"`
	Chunks     int       `json:"chunks"`
	Characters int       `json:"characters"`
}

// Pick is the human selection of exactly one candidate version for a chunk.
// Changing a pick updates the reference; it never deletes candidates.
type Pick struct {
	ChunkIndex    int    `json:"chunk_index"`
	PickedVersion int    `json:"picked_version"`
	Notes         string `json:"notes,omitempty"`
}

// PickSet is the current pick state for a session.
type PickSet struct {
	SessionID string    `json:"session_id"`
	UpdatedAt time.Time `json:"updated_at"`
	Picks     []Pick    `json:"picks"`
}

// Map returns the picks as a chunk index to version mapping. Later entries
// for the same chunk win, so at most one pick is active per chunk.
func (p PickSet) Map() map[int]int {
	picks := make(map[int]int, len(p.Picks))
	for _, pick := range p.Picks {
		picks[pick.ChunkIndex] = pick.PickedVersion
	}

	return picks
}
