package pipeline

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxident/voxident/internal/diarize"
	"github.com/voxident/voxident/internal/enrollment"
	"github.com/voxident/voxident/pkg/embedding"
)

// ampExtractor maps a waveform's mean amplitude to a fixed voice vector,
// giving the test full control over who sounds like whom
type ampExtractor struct{}

func (ampExtractor) Extract(_ context.Context, samples []float32) ([]float32, error) {
	if len(samples) < embedding.MinSamples(0.5) {
		return nil, embedding.ErrInsufficientAudio
	}
	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s))
	}
	switch math.Round(sum / float64(len(samples)) * 10) {
	case 2: // amplitude 0.2 — alice's voice
		return []float32{1, 0, 0}, nil
	case 6: // amplitude 0.6 — bob's voice
		return []float32{0, 1, 0}, nil
	default: // anyone else
		return []float32{0, 0, 1}, nil
	}
}

func (ampExtractor) Dimension() int { return 3 }
func (ampExtractor) IsReady() bool  { return true }
func (ampExtractor) Close() error   { return nil }

func voice(amplitude float32, seconds float64) []float32 {
	samples := make([]float32, embedding.MinSamples(seconds))
	for i := range samples {
		samples[i] = amplitude
	}
	return samples
}

// paint writes each segment's speaker amplitude into the meeting wave
func paint(totalSeconds float64, segments []diarize.Segment, amps map[string]float32) []float32 {
	samples := make([]float32, int(totalSeconds*embedding.SampleRate))
	for _, seg := range segments {
		lo := int(seg.Start * embedding.SampleRate)
		hi := int(seg.End * embedding.SampleRate)
		for i := lo; i < hi && i < len(samples); i++ {
			samples[i] = amps[seg.Label]
		}
	}
	return samples
}

func newTestRunner(t *testing.T, backend diarize.Backend, wave []float32) (*Runner, *enrollment.Store) {
	t.Helper()
	ex := ampExtractor{}
	store, err := enrollment.NewStore(t.TempDir(), ex, 1.0)
	require.NoError(t, err)

	runner := NewRunner(backend, ex, store, DefaultConfig())
	runner.decode = func(_ context.Context, _ string) ([]float32, error) {
		return wave, nil
	}
	return runner, store
}

func TestRunEndToEnd(t *testing.T) {
	segments := []diarize.Segment{
		{Start: 0, End: 2, Label: "SPK_A", Text: "Good morning."},
		{Start: 2, End: 4, Label: "SPK_A", Text: "Shall we begin?"},
		{Start: 4, End: 6, Label: "SPK_B", Text: "Sure."},
		{Start: 6, End: 8, Label: "SPK_C", Text: "Sorry, who is this?"},
	}
	amps := map[string]float32{"SPK_A": 0.2, "SPK_B": 0.6, "SPK_C": 0.9}
	backend := &diarize.MockBackend{Segments: segments}

	runner, store := newTestRunner(t, backend, paint(8, segments, amps))
	ctx := context.Background()

	_, err := store.Enroll(ctx, "alice", voice(0.2, 2))
	require.NoError(t, err)
	_, err = store.Enroll(ctx, "bob", voice(0.6, 2))
	require.NoError(t, err)

	tr, err := runner.Run(ctx, MeetingJob{
		AudioPath: "meeting.wav",
		Title:     "Standup",
	})
	require.NoError(t, err)

	// Hint = 2 enrolled + default buffer of 2
	assert.Equal(t, 4, backend.LastOpts.ExpectedSpeakers)

	assert.NotEmpty(t, tr.MeetingID)
	assert.Equal(t, "Standup", tr.Title)

	require.Len(t, tr.Entries, 3)
	assert.Equal(t, "alice", tr.Entries[0].Speaker)
	assert.Equal(t, "Good morning. Shall we begin?", tr.Entries[0].Text)
	assert.Equal(t, "bob", tr.Entries[1].Speaker)
	assert.Equal(t, "Unknown Speaker 1", tr.Entries[2].Speaker)
}

func TestRunScopesRosterToMeeting(t *testing.T) {
	segments := []diarize.Segment{
		{Start: 0, End: 2, Label: "SPK_A", Text: "hello"},
		{Start: 2, End: 4, Label: "SPK_B", Text: "hi there"},
	}
	amps := map[string]float32{"SPK_A": 0.2, "SPK_B": 0.6}
	backend := &diarize.MockBackend{Segments: segments}

	runner, store := newTestRunner(t, backend, paint(4, segments, amps))
	ctx := context.Background()

	_, err := store.Enroll(ctx, "alice", voice(0.2, 2))
	require.NoError(t, err)
	_, err = store.Enroll(ctx, "bob", voice(0.6, 2))
	require.NoError(t, err)

	tr, err := runner.Run(ctx, MeetingJob{
		AudioPath: "meeting.wav",
		Roster:    []string{"alice"},
	})
	require.NoError(t, err)

	// Only alice in scope: hint 1+2, bob's cluster degrades to unknown
	assert.Equal(t, 3, backend.LastOpts.ExpectedSpeakers)
	require.Len(t, tr.Entries, 2)
	assert.Equal(t, "alice", tr.Entries[0].Speaker)
	assert.Equal(t, "Unknown Speaker 1", tr.Entries[1].Speaker)
}

func TestRunFailsAtomicallyOnBackendError(t *testing.T) {
	backend := &diarize.MockBackend{Err: fmt.Errorf("%w: connection refused", diarize.ErrBackendUnavailable)}
	runner, _ := newTestRunner(t, backend, nil)

	tr, err := runner.Run(context.Background(), MeetingJob{AudioPath: "meeting.wav"})
	require.Error(t, err)
	assert.ErrorIs(t, err, diarize.ErrBackendUnavailable)
	assert.Nil(t, tr, "no partial transcript on backend failure")
}

func TestRunFailsOnBackendTimeout(t *testing.T) {
	backend := &slowBackend{}
	runner, _ := newTestRunner(t, backend, nil)

	tr, err := runner.Run(context.Background(), MeetingJob{
		AudioPath:      "meeting.wav",
		DiarizeTimeout: 20 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, diarize.ErrBackendTimeout)
	assert.Nil(t, tr)
}

func TestRunFailsOnEmptyDiarization(t *testing.T) {
	backend := &diarize.MockBackend{}
	runner, _ := newTestRunner(t, backend, nil)

	_, err := runner.Run(context.Background(), MeetingJob{AudioPath: "meeting.wav"})
	assert.Error(t, err)
}

func TestRunForwardsBackendTuning(t *testing.T) {
	segments := []diarize.Segment{
		{Start: 0, End: 2, Label: "SPK_A", Text: "hello"},
	}
	amps := map[string]float32{"SPK_A": 0.2}
	backend := &diarize.MockBackend{Segments: segments}
	runner, store := newTestRunner(t, backend, paint(2, segments, amps))
	ctx := context.Background()

	_, err := store.Enroll(ctx, "alice", voice(0.2, 2))
	require.NoError(t, err)

	runner.cfg.SpeechThreshold = 0.35
	runner.cfg.WordBoost = []string{"roadmap", "sprint"}

	_, err = runner.Run(ctx, MeetingJob{AudioPath: "meeting.wav"})
	require.NoError(t, err)

	assert.InDelta(t, 0.35, backend.LastOpts.SpeechThreshold, 1e-9)
	assert.Equal(t, []string{"roadmap", "sprint"}, backend.LastOpts.WordBoost)
}

func TestRunNoEnrolledProfilesStillSucceeds(t *testing.T) {
	segments := []diarize.Segment{
		{Start: 0, End: 2, Label: "SPK_A", Text: "anyone home?"},
	}
	amps := map[string]float32{"SPK_A": 0.2}
	backend := &diarize.MockBackend{Segments: segments}
	runner, _ := newTestRunner(t, backend, paint(2, segments, amps))

	tr, err := runner.Run(context.Background(), MeetingJob{AudioPath: "meeting.wav"})
	require.NoError(t, err)

	// No hint without a roster, degraded but successful outcome
	assert.Zero(t, backend.LastOpts.ExpectedSpeakers)
	require.Len(t, tr.Entries, 1)
	assert.Equal(t, "Unknown Speaker 1", tr.Entries[0].Speaker)
}

// slowBackend blocks until the context deadline expires
type slowBackend struct{}

func (s *slowBackend) Diarize(ctx context.Context, _ string, _ diarize.Options) ([]diarize.Segment, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %v", diarize.ErrBackendTimeout, ctx.Err())
}
