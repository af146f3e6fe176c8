// Package core defines the interfaces and error taxonomy shared across the
// narration vault pipeline.
package core

import "context"

// SynthesisRequest describes one call to the external speech synthesis
// capability. The capability owns no retry state; retries are driven
// entirely by the orchestrator.
type SynthesisRequest struct {
	Text        string
	Voice       string
	Emotion     string
	Format      string
	Temperature float64
}

// Synthesizer is the external text-to-speech capability. Implementations
// return lossless (WAV) audio bytes or an error classified against the
// pipeline error taxonomy (ErrThrottled, ErrTransient, ErrNonRetryable).
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error)
}

// Mirror is a durable backup target for vault files. The transport is
// external; the pipeline only decides what must be mirrored and requires
// every mirror write to complete before a run is considered finished.
type Mirror interface {
	Name() string
	Put(ctx context.Context, key string, data []byte) error
}

// Encoder produces the compressed deliverable from the lossless master
// artifact. The lossless master is always retained, so re-encoding never
// requires re-assembly.
type Encoder interface {
	Encode(ctx context.Context, masterPath, outputPath string) error
}
