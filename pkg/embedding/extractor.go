package embedding

import (
	"context"
	"errors"
)

// SampleRate is the fixed sample rate of all audio entering the engine.
// Upstream normalization guarantees mono audio at this rate.
const SampleRate = 16000

// ErrInsufficientAudio is returned when a segment is too short to produce
// a reliable embedding
var ErrInsufficientAudio = errors.New("audio too short to embed")

// Extractor is the unified interface for speaker embedding backends
type Extractor interface {
	// Extract converts a mono waveform into a fixed-dimensional speaker
	// embedding. Deterministic for identical input, no side effects.
	Extract(ctx context.Context, samples []float32) ([]float32, error)

	// Dimension returns the embedding vector length
	Dimension() int

	// Check if the extractor is ready to process
	IsReady() bool

	// Close releases resources
	Close() error
}

// MinSamples converts a minimum duration in seconds to a sample count
// at the fixed engine sample rate.
func MinSamples(seconds float64) int {
	return int(seconds * SampleRate)
}

// Duration returns the length of a waveform in seconds.
func Duration(samples []float32) float64 {
	return float64(len(samples)) / SampleRate
}
