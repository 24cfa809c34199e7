// Package enrollment manages reference voice profiles for registered
// participants. Each profile holds the running average of embeddings
// extracted from one or more enrollment recordings.
package enrollment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voxident/voxident/pkg/embedding"
)

// DefaultMinDuration is the shortest enrollment recording, in seconds,
// accepted unless the caller configures otherwise
const DefaultMinDuration = 15.0

// ErrEnrollmentTooShort is returned when enrollment audio is below the
// configured minimum duration
var ErrEnrollmentTooShort = errors.New("enrollment audio too short")

// Profile is the stored voice reference for one participant
type Profile struct {
	UserID        string    `json:"userId"`
	DisplayName   string    `json:"displayName,omitempty"`
	Embedding     []float32 `json:"embedding"`
	SampleCount   int       `json:"sampleCount"`
	TotalDuration float64   `json:"totalDuration"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Name returns the label used in transcripts for this participant
func (p *Profile) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.UserID
}

// Store handles enrollment profiles with per-user write serialization.
// Reads during matching are lock-free beyond the shared RWMutex; updates
// to one user's running average never race with each other.
type Store struct {
	dir         string
	extractor   embedding.Extractor
	minDuration float64

	mu       sync.RWMutex
	profiles map[string]*Profile

	userMuMu sync.Mutex
	userMu   map[string]*sync.Mutex
}

// NewStore creates a store persisting profiles as JSON files under dir,
// loading any existing profiles. minDuration is the shortest acceptable
// enrollment recording in seconds.
func NewStore(dir string, extractor embedding.Extractor, minDuration float64) (*Store, error) {
	// #nosec G301 - profile directory needs to be readable for matching
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("error creating profile directory: %w", err)
	}

	s := &Store{
		dir:         dir,
		extractor:   extractor,
		minDuration: minDuration,
		profiles:    make(map[string]*Profile),
		userMu:      make(map[string]*sync.Mutex),
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("error reading profile directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name())) // #nosec G304 - files under the store's own directory
		if err != nil {
			return fmt.Errorf("error reading profile %s: %w", entry.Name(), err)
		}
		var profile Profile
		if err := json.Unmarshal(data, &profile); err != nil {
			logrus.WithFields(logrus.Fields{
				"file":  entry.Name(),
				"error": err,
			}).Warn("Skipping unreadable profile file")
			continue
		}
		// Profiles persisted by a different extractor cannot be scored
		// against this one's embeddings
		if dim := s.extractor.Dimension(); len(profile.Embedding) != dim {
			logrus.WithFields(logrus.Fields{
				"file":      entry.Name(),
				"user_id":   profile.UserID,
				"dimension": len(profile.Embedding),
				"expected":  dim,
			}).Warn("Skipping profile with incompatible embedding dimension")
			continue
		}
		s.profiles[profile.UserID] = &profile
	}

	logrus.WithFields(logrus.Fields{
		"dir":      s.dir,
		"profiles": len(s.profiles),
	}).Debug("Enrollment store loaded")
	return nil
}

// lockUser returns the single-writer mutex for one user id
func (s *Store) lockUser(userID string) *sync.Mutex {
	s.userMuMu.Lock()
	defer s.userMuMu.Unlock()

	mu, ok := s.userMu[userID]
	if !ok {
		mu = &sync.Mutex{}
		s.userMu[userID] = mu
	}
	return mu
}

// Enroll extracts an embedding from the waveform and merges it into the
// user's profile, creating the profile on first enrollment. Enrollments
// for the same user are serialized; different users proceed in parallel.
func (s *Store) Enroll(ctx context.Context, userID string, samples []float32) (*Profile, error) {
	duration := embedding.Duration(samples)
	if duration < s.minDuration {
		return nil, fmt.Errorf("%w: %.1fs, need at least %.0fs", ErrEnrollmentTooShort, duration, s.minDuration)
	}

	emb, err := s.extractor.Extract(ctx, samples)
	if err != nil {
		if errors.Is(err, embedding.ErrInsufficientAudio) {
			return nil, fmt.Errorf("%w: %.1fs", ErrEnrollmentTooShort, duration)
		}
		return nil, fmt.Errorf("error embedding enrollment audio: %w", err)
	}

	mu := s.lockUser(userID)
	mu.Lock()
	defer mu.Unlock()

	old, _ := s.GetProfile(userID)
	updated, err := MergeProfile(old, userID, emb, duration)
	if err != nil {
		return nil, err
	}

	if err := s.persist(updated); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.profiles[userID] = updated
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"user_id":      userID,
		"sample_count": updated.SampleCount,
		"duration":     updated.TotalDuration,
	}).Info("Enrollment recorded")

	return updated, nil
}

// MergeProfile folds a new embedding into an existing profile by weighted
// averaging, the weight being the prior sample count. A nil old profile
// creates a fresh one. Pure function; the caller owns locking.
func MergeProfile(old *Profile, userID string, emb []float32, duration float64) (*Profile, error) {
	now := time.Now()
	if old == nil {
		return &Profile{
			UserID:        userID,
			Embedding:     emb,
			SampleCount:   1,
			TotalDuration: duration,
			CreatedAt:     now,
			UpdatedAt:     now,
		}, nil
	}

	if len(old.Embedding) != len(emb) {
		return nil, fmt.Errorf("embedding dimension mismatch: profile %d, new %d", len(old.Embedding), len(emb))
	}

	weight := float64(old.SampleCount)
	merged := make([]float32, len(emb))
	for i := range emb {
		merged[i] = float32((float64(old.Embedding[i])*weight + float64(emb[i])) / (weight + 1))
	}

	return &Profile{
		UserID:        old.UserID,
		DisplayName:   old.DisplayName,
		Embedding:     merged,
		SampleCount:   old.SampleCount + 1,
		TotalDuration: old.TotalDuration + duration,
		CreatedAt:     old.CreatedAt,
		UpdatedAt:     now,
	}, nil
}

// SetDisplayName updates the human-readable name shown in transcripts
func (s *Store) SetDisplayName(userID, displayName string) error {
	mu := s.lockUser(userID)
	mu.Lock()
	defer mu.Unlock()

	profile, ok := s.GetProfile(userID)
	if !ok {
		return fmt.Errorf("profile %s not found", userID)
	}

	clone := *profile
	clone.DisplayName = displayName
	clone.UpdatedAt = time.Now()

	if err := s.persist(&clone); err != nil {
		return err
	}

	s.mu.Lock()
	s.profiles[userID] = &clone
	s.mu.Unlock()
	return nil
}

// GetProfile retrieves one profile by user id
func (s *Store) GetProfile(userID string) (*Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profile, ok := s.profiles[userID]
	return profile, ok
}

// ListProfiles returns the profiles for the given scope of user ids,
// ordered by user id. An empty scope returns every profile. Unknown ids
// are skipped.
func (s *Store) ListProfiles(scope []string) []*Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var profiles []*Profile
	if len(scope) == 0 {
		for _, p := range s.profiles {
			profiles = append(profiles, p)
		}
	} else {
		for _, userID := range scope {
			if p, ok := s.profiles[userID]; ok {
				profiles = append(profiles, p)
			}
		}
	}

	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].UserID < profiles[j].UserID
	})
	return profiles
}

// Delete removes a profile and its file. Idempotent.
func (s *Store) Delete(userID string) error {
	mu := s.lockUser(userID)
	mu.Lock()
	defer mu.Unlock()

	// File first: a failed removal must leave memory and disk agreeing,
	// or the profile resurrects on the next load
	err := os.Remove(s.profilePath(userID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error removing profile %s: %w", userID, err)
	}

	s.mu.Lock()
	delete(s.profiles, userID)
	s.mu.Unlock()

	logrus.WithField("user_id", userID).Info("Profile deleted")
	return nil
}

func (s *Store) profilePath(userID string) string {
	return filepath.Join(s.dir, userID+".json")
}

func (s *Store) persist(profile *Profile) error {
	data, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling profile: %w", err)
	}

	// #nosec G306 - profile files need to be readable by the service user
	if err := os.WriteFile(s.profilePath(profile.UserID), data, 0640); err != nil {
		return fmt.Errorf("error writing profile: %w", err)
	}
	return nil
}
