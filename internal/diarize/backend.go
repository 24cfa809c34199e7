// Package diarize wraps the external ASR+diarization backend behind a
// narrow interface and normalizes its output into an ordered sequence of
// labeled transcript segments.
package diarize

import (
	"context"
	"errors"
	"sort"
)

var (
	// ErrBackendUnavailable is returned when the backend rejects or cannot
	// serve the request. Terminal for the meeting run.
	ErrBackendUnavailable = errors.New("diarization backend unavailable")

	// ErrBackendTimeout is returned when the backend does not complete
	// within the job deadline. Terminal for the meeting run.
	ErrBackendTimeout = errors.New("diarization backend timeout")
)

// Segment is one diarized utterance. Label is the backend's anonymous
// cluster id, unique only within a single meeting.
type Segment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Label      string  `json:"label"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Duration returns the segment length in seconds
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// Options tunes a single diarization request
type Options struct {
	// ExpectedSpeakers hints how many distinct speakers to look for.
	// Zero lets the backend decide.
	ExpectedSpeakers int

	// SpeechThreshold (0..1) raises the bar for what counts as speech.
	// Zero uses the backend default.
	SpeechThreshold float64

	// WordBoost biases recognition towards domain vocabulary
	WordBoost []string
}

// Backend is a pluggable ASR+diarization provider
type Backend interface {
	// Diarize transcribes and diarizes one complete recording. The
	// returned segments are ordered by start time. Blocking; honor ctx
	// for cancellation and deadlines.
	Diarize(ctx context.Context, audioPath string, opts Options) ([]Segment, error)
}

// DefaultSpeakerBuffer is added to the enrolled participant count when
// hinting the backend, to absorb unexpected attendees.
const DefaultSpeakerBuffer = 2

// SpeakerHint computes the expected-speaker-count hint from the enrolled
// roster size. Returns 0 (no hint) when no roster is known.
func SpeakerHint(enrolledCount, buffer int) int {
	if enrolledCount <= 0 {
		return 0
	}
	if buffer < 0 {
		buffer = 0
	}
	return enrolledCount + buffer
}

// sortSegments enforces the start-time ordering invariant downstream
// stages rely on. Stable so equal starts keep backend order.
func sortSegments(segments []Segment) {
	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].Start < segments[j].Start
	})
}
