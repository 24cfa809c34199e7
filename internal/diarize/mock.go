package diarize

import "context"

// MockBackend returns canned segments for testing without a real backend
type MockBackend struct {
	Segments []Segment
	Err      error

	// LastOpts records the options of the most recent call
	LastOpts Options
	Calls    int
}

// Diarize returns the configured segments in start-time order
func (m *MockBackend) Diarize(_ context.Context, _ string, opts Options) ([]Segment, error) {
	m.LastOpts = opts
	m.Calls++
	if m.Err != nil {
		return nil, m.Err
	}

	segments := make([]Segment, len(m.Segments))
	copy(segments, m.Segments)
	sortSegments(segments)
	return segments, nil
}
