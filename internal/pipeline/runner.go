// Package pipeline orchestrates one meeting run: diarize the recording,
// embed its segments, resolve speakers against the enrollment store and
// assemble the named transcript.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/voxident/voxident/internal/diarize"
	"github.com/voxident/voxident/internal/enrollment"
	"github.com/voxident/voxident/internal/identify"
	"github.com/voxident/voxident/internal/media"
	"github.com/voxident/voxident/internal/transcript"
	"github.com/voxident/voxident/pkg/embedding"
)

// Config bundles the matcher tunables with the options forwarded to the
// diarization backend on every run
type Config struct {
	// Match holds the cluster matcher parameters
	Match identify.Config

	// SpeechThreshold (0..1) is passed to the backend to raise the bar
	// for what counts as speech. Zero uses the backend default.
	SpeechThreshold float64

	// WordBoost biases backend recognition towards domain vocabulary
	WordBoost []string
}

// DefaultConfig returns a config with the default matcher parameters
func DefaultConfig() Config {
	return Config{Match: identify.DefaultConfig()}
}

// MeetingJob describes one recording to process
type MeetingJob struct {
	// ID identifies the run in logs; generated when empty
	ID string

	// AudioPath is the meeting recording (any ffmpeg-readable format)
	AudioPath string

	// Title is carried into the final transcript
	Title string

	// Roster scopes the enrollment candidates to the meeting's known
	// participants. Empty means every enrolled profile.
	Roster []string

	// DiarizeTimeout bounds the external backend call. Zero means no
	// extra deadline beyond the caller's context.
	DiarizeTimeout time.Duration
}

// Runner wires the pipeline stages together
type Runner struct {
	backend   diarize.Backend
	extractor embedding.Extractor
	store     *enrollment.Store
	matcher   *identify.Matcher
	cfg       Config

	// decode is swappable so tests run without ffmpeg
	decode func(ctx context.Context, path string) ([]float32, error)
}

// NewRunner creates a runner over the given backend, extractor and store
func NewRunner(backend diarize.Backend, extractor embedding.Extractor, store *enrollment.Store, cfg Config) *Runner {
	return &Runner{
		backend:   backend,
		extractor: extractor,
		store:     store,
		matcher:   identify.NewMatcher(extractor),
		cfg:       cfg,
		decode:    media.Decode,
	}
}

// Run processes one meeting end to end. The job fails atomically: a
// backend failure or timeout produces no transcript at all, while
// per-segment embedding failures only degrade those segments.
func (r *Runner) Run(ctx context.Context, job MeetingJob) (*transcript.Transcript, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	log := logrus.WithFields(logrus.Fields{
		"run_id": job.ID,
		"audio":  job.AudioPath,
	})
	started := time.Now()
	log.Info("Meeting run started")

	profiles := r.store.ListProfiles(job.Roster)
	hint := diarize.SpeakerHint(len(profiles), r.cfg.Match.SpeakerBuffer)
	log.WithFields(logrus.Fields{
		"candidates":   len(profiles),
		"speaker_hint": hint,
	}).Debug("Candidate scope resolved")

	segments, err := r.diarize(ctx, job, hint)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("backend returned no speech segments for %s", job.AudioPath)
	}

	samples, err := r.decode(ctx, job.AudioPath)
	if err != nil {
		return nil, fmt.Errorf("decoding meeting audio: %w", err)
	}

	resolution, err := r.matcher.Resolve(ctx, samples, segments, profiles, r.cfg.Match)
	if err != nil {
		return nil, fmt.Errorf("resolving speakers: %w", err)
	}

	result := transcript.Assemble(segments, resolution)
	result.MeetingID = job.ID
	result.Title = job.Title

	named, unknown := 0, 0
	for _, a := range resolution.Assignments {
		if a.Known {
			named++
		} else {
			unknown++
		}
	}
	log.WithFields(logrus.Fields{
		"entries":          len(result.Entries),
		"named_speakers":   named,
		"unknown_speakers": unknown,
		"elapsed":          time.Since(started),
	}).Info("Meeting run completed")

	return &result, nil
}

// diarize invokes the backend with the configured deadline. Terminal on
// failure: partial retries would desynchronize diarization labels, so the
// caller must retry the whole run.
func (r *Runner) diarize(ctx context.Context, job MeetingJob, hint int) ([]diarize.Segment, error) {
	if job.DiarizeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.DiarizeTimeout)
		defer cancel()
	}

	segments, err := r.backend.Diarize(ctx, job.AudioPath, diarize.Options{
		ExpectedSpeakers: hint,
		SpeechThreshold:  r.cfg.SpeechThreshold,
		WordBoost:        r.cfg.WordBoost,
	})
	if err != nil {
		return nil, fmt.Errorf("diarizing %s: %w", job.AudioPath, err)
	}
	return segments, nil
}
