// Package inventory provides the canonical representation of a narration
// script: its text chunks and their metadata. Pure data, no I/O; parsing and
// silence-marker conventions happen upstream.
package inventory

import (
	"errors"
	"fmt"
)

// Default chunk length thresholds for a vault-ready script. These are
// script-authoring policy, carried as a pluggable ValidationPolicy rather
// than constants baked into validation, since catalogue growth may change
// them.
const (
	defaultMinChars        = 20
	defaultMaxChars        = 300
	defaultMaxOpeningChars = 60
)

// Static errors.
var (
	ErrScriptIDEmpty  = errors.New("script id cannot be empty")
	ErrNoChunks       = errors.New("script must contain at least one chunk")
	ErrEmptyChunkText = errors.New("chunk text cannot be empty")
	ErrNegativePause  = errors.New("pause duration must be non-negative")
	ErrChunkTooShort  = errors.New("chunk text below minimum length")
	ErrChunkTooLong   = errors.New("chunk text above maximum length")
	ErrOpeningTooLong = errors.New("opening chunk above maximum length")
)

// Chunk is one unit of narration text within a script. Chunks are created
// when a script inventory is built and are immutable thereafter; edits
// require regenerating the inventory.
type Chunk struct {
	ScriptID     string  `json:"script_id"`
	Index        int     `json:"chunk_index"`
	Text         string  `json:"text"`
	CharCount    int     `json:"char_count"`
	Category     string  `json:"category,omitempty"`
	Emotion      string  `json:"emotion,omitempty"`
	PauseSeconds float64 `json:"pause_seconds"`
	IsOpening    bool    `json:"is_opening"`
	IsClosing    bool    `json:"is_closing"`
}

// Unit is the upstream-supplied raw material for one chunk.
type Unit struct {
	Text         string
	Category     string
	Emotion      string
	PauseSeconds float64
}

// Script is the immutable inventory of one narration script. Indices form a
// contiguous range 0..N-1, exactly one chunk is opening (index 0) and
// exactly one is closing (max index).
type Script struct {
	ID     string
	Chunks []Chunk
}

// ValidationPolicy holds the chunk length thresholds a vault-ready script
// must satisfy. The opening chunk (index 0) has its own, tighter bound.
type ValidationPolicy struct {
	MinChars        int
	MaxChars        int
	MaxOpeningChars int
}

// DefaultValidationPolicy returns the current catalogue policy.
func DefaultValidationPolicy() ValidationPolicy {
	return ValidationPolicy{
		MinChars:        defaultMinChars,
		MaxChars:        defaultMaxChars,
		MaxOpeningChars: defaultMaxOpeningChars,
	}
}

// New builds a validated script inventory from upstream units, assigning
// contiguous indices and derived metadata.
func New(scriptID string, units []Unit, policy ValidationPolicy) (*Script, error) {
	if scriptID == "" {
		return nil, ErrScriptIDEmpty
	}

	if len(units) == 0 {
		return nil, ErrNoChunks
	}

	chunks := make([]Chunk, 0, len(units))

	for index, unit := range units {
		chunk := Chunk{
			ScriptID:     scriptID,
			Index:        index,
			Text:         unit.Text,
			CharCount:    len(unit.Text),
			Category:     unit.Category,
			Emotion:      unit.Emotion,
			PauseSeconds: unit.PauseSeconds,
			IsOpening:    index == 0,
			IsClosing:    index == len(units)-1,
		}

		err := validateChunk(chunk, policy)
		if err != nil {
			return nil, fmt.Errorf("chunk %d of script %s: %w", index, scriptID, err)
		}

		chunks = append(chunks, chunk)
	}

	return &Script{ID: scriptID, Chunks: chunks}, nil
}

// ChunkCount returns the number of chunks in the script.
func (s *Script) ChunkCount() int {
	return len(s.Chunks)
}

// TotalCharacters returns the sum of all chunk character counts.
func (s *Script) TotalCharacters() int {
	total := 0
	for _, chunk := range s.Chunks {
		total += chunk.CharCount
	}

	return total
}

// Pauses returns the declared inter-block pause duration after each chunk,
// in chunk order.
func (s *Script) Pauses() []float64 {
	pauses := make([]float64, len(s.Chunks))
	for i, chunk := range s.Chunks {
		pauses[i] = chunk.PauseSeconds
	}

	return pauses
}

func validateChunk(chunk Chunk, policy ValidationPolicy) error {
	if chunk.Text == "" {
		return ErrEmptyChunkText
	}

	if chunk.PauseSeconds < 0 {
		return ErrNegativePause
	}

	// The opening chunk is bounded only from above; everything else must
	// fall inside the policy window.
	if chunk.IsOpening {
		if chunk.CharCount >= policy.MaxOpeningChars {
			return fmt.Errorf("%w: %d chars, limit %d",
				ErrOpeningTooLong, chunk.CharCount, policy.MaxOpeningChars)
		}

		return nil
	}

	if chunk.CharCount < policy.MinChars {
		return fmt.Errorf("%w: %d chars, minimum %d",
			ErrChunkTooShort, chunk.CharCount, policy.MinChars)
	}

	if chunk.CharCount > policy.MaxChars {
		return fmt.Errorf("%w: %d chars, maximum %d",
			ErrChunkTooLong, chunk.CharCount, policy.MaxChars)
	}

	return nil
}
