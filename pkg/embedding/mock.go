package embedding

import (
	"context"
	"fmt"
	"math"
	"math/rand"
)

// MockDimension is the vector length produced by the mock extractor. High
// enough that embeddings of unrelated inputs are near-orthogonal.
const MockDimension = 32

// MockExtractor produces deterministic synthetic embeddings without any
// model. Two waveforms with the same mean amplitude map to the same unit
// vector; different amplitudes map to pseudo-random, near-orthogonal
// vectors. Useful for tests and dry runs.
type MockExtractor struct {
	minSamples int
}

// NewMockExtractor creates a mock extractor enforcing the given minimum
// audio duration in seconds.
func NewMockExtractor(minDuration float64) *MockExtractor {
	return &MockExtractor{minSamples: MinSamples(minDuration)}
}

// Extract returns a unit vector derived from the waveform's mean amplitude
func (me *MockExtractor) Extract(_ context.Context, samples []float32) ([]float32, error) {
	if len(samples) < me.minSamples {
		return nil, fmt.Errorf("%w: %.2fs below minimum", ErrInsufficientAudio, Duration(samples))
	}

	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s))
	}
	// Bucket the mean amplitude so float noise does not change the seed
	seed := int64(math.Round(sum / float64(len(samples)) * 1000))

	rng := rand.New(rand.NewSource(seed))
	vec := make([]float32, MockDimension)
	var norm float64
	for i := range vec {
		vec[i] = float32(rng.NormFloat64())
		norm += float64(vec[i]) * float64(vec[i])
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

// Dimension returns the embedding vector length
func (me *MockExtractor) Dimension() int {
	return MockDimension
}

// IsReady always reports true for the mock
func (me *MockExtractor) IsReady() bool {
	return true
}

func (me *MockExtractor) Close() error {
	return nil
}
