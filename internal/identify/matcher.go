// Package identify resolves anonymous diarization clusters to enrolled
// participants. Segments sharing a diarization label form a cluster, each
// cluster gets a centroid embedding, and centroids are matched against
// enrollment profiles by cosine similarity with threshold-gated greedy
// assignment.
package identify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/voxident/voxident/internal/diarize"
	"github.com/voxident/voxident/internal/enrollment"
	"github.com/voxident/voxident/internal/media"
	"github.com/voxident/voxident/pkg/embedding"
)

// Config holds the matching parameters. Passed by value at call time so
// the same matcher can run with varied thresholds.
type Config struct {
	// MatchThreshold is the minimum cosine similarity for accepting a
	// cluster/profile pairing
	MatchThreshold float64

	// MatchMargin, when positive, additionally requires a cluster's best
	// profile score to beat its second best by this gap
	MatchMargin float64

	// UnknownPrefix labels unresolved clusters ("<prefix> N")
	UnknownPrefix string

	// SpeakerBuffer is added to the roster size for the backend hint
	SpeakerBuffer int

	// MinSegmentDuration excludes shorter segments from centroid
	// computation (seconds)
	MinSegmentDuration float64

	// EmbedConcurrency bounds parallel segment embedding
	EmbedConcurrency int
}

// DefaultConfig returns the empirical defaults. Threshold and buffer are
// tunables, not load-bearing constants.
func DefaultConfig() Config {
	return Config{
		MatchThreshold:     0.75,
		MatchMargin:        0,
		UnknownPrefix:      "Unknown Speaker",
		SpeakerBuffer:      diarize.DefaultSpeakerBuffer,
		MinSegmentDuration: 0.6,
		EmbedConcurrency:   4,
	}
}

// Assignment maps one diarization label to a resolved name
type Assignment struct {
	// Name is the participant name, or "<prefix> N" when unresolved
	Name string

	// Score is the cosine similarity that produced the mapping; for
	// unknown clusters it is the best score seen, -1 if never scored
	Score float64

	// Known reports whether the cluster matched an enrolled profile
	Known bool
}

// Resolution maps every diarization label of one meeting to exactly one
// assignment. Created by Resolve, consumed by the transcript assembler.
type Resolution struct {
	Assignments map[string]Assignment
}

// Lookup returns the resolved name for a diarization label, falling back
// to the raw label if it was never seen
func (r *Resolution) Lookup(label string) string {
	if a, ok := r.Assignments[label]; ok {
		return a.Name
	}
	return label
}

// Matcher resolves diarization clusters using a shared extractor
type Matcher struct {
	extractor embedding.Extractor
}

// NewMatcher creates a matcher over the given embedding extractor
func NewMatcher(extractor embedding.Extractor) *Matcher {
	return &Matcher{extractor: extractor}
}

// cluster collects the per-label working state
type cluster struct {
	label      string
	firstStart float64
	segments   []int // indexes into the segment slice
	centroid   []float32
	bestScore  float64
}

// candidate is one (cluster, profile, score) row of the score table
type candidate struct {
	clusterIdx int
	profileIdx int
	score      float64
}

// Resolve matches every diarization cluster in the meeting to an enrolled
// profile or an unknown-speaker label. samples is the full meeting
// waveform; segments must be ordered by start time. Read-only with
// respect to the profiles.
func (m *Matcher) Resolve(ctx context.Context, samples []float32, segments []diarize.Segment, profiles []*enrollment.Profile, cfg Config) (*Resolution, error) {
	log := logrus.WithFields(logrus.Fields{
		"segments":  len(segments),
		"profiles":  len(profiles),
		"threshold": cfg.MatchThreshold,
	})

	if len(profiles) == 0 {
		log.Warn("No enrolled candidates in scope, every cluster will be unknown")
	}

	// Step 1: cluster formation by diarization label, in timeline order
	clusters := formClusters(segments)

	// Step 2: centroids from the eligible segment embeddings
	if err := m.computeCentroids(ctx, samples, segments, clusters, cfg); err != nil {
		return nil, err
	}

	// Step 3: score table over every centroid/profile pair
	candidates := scoreTable(clusters, profiles)

	// Step 4: threshold-gated greedy assignment, best score first
	resolution := &Resolution{Assignments: make(map[string]Assignment)}
	assignedProfiles := make(map[int]bool)
	assignedClusters := make(map[int]bool)

	for _, c := range candidates {
		if cl := clusters[c.clusterIdx]; c.score > cl.bestScore {
			cl.bestScore = c.score
		}
		if c.score < cfg.MatchThreshold {
			continue
		}
		if assignedClusters[c.clusterIdx] || assignedProfiles[c.profileIdx] {
			continue
		}
		if cfg.MatchMargin > 0 && clusterMargin(candidates, c.clusterIdx) < cfg.MatchMargin {
			continue
		}

		assignedClusters[c.clusterIdx] = true
		assignedProfiles[c.profileIdx] = true

		cl := clusters[c.clusterIdx]
		profile := profiles[c.profileIdx]
		resolution.Assignments[cl.label] = Assignment{
			Name:  profile.Name(),
			Score: c.score,
			Known: true,
		}
		log.WithFields(logrus.Fields{
			"label": cl.label,
			"user":  profile.UserID,
			"score": fmt.Sprintf("%.3f", c.score),
		}).Info("Cluster matched to enrolled speaker")
	}

	// Step 5: unknown fallback, numbered by first appearance in the
	// timeline rather than by backend label order
	unknown := 1
	for i, cl := range clusters {
		if assignedClusters[i] {
			continue
		}
		resolution.Assignments[cl.label] = Assignment{
			Name:  fmt.Sprintf("%s %d", cfg.UnknownPrefix, unknown),
			Score: cl.bestScore,
			Known: false,
		}
		log.WithFields(logrus.Fields{
			"label":      cl.label,
			"fallback":   resolution.Assignments[cl.label].Name,
			"best_score": fmt.Sprintf("%.3f", cl.bestScore),
		}).Info("Cluster left unresolved")
		unknown++
	}

	return resolution, nil
}

// formClusters groups segment indexes by label, ordered by each label's
// first appearance. Sub-minimum segments stay in the cluster for text
// purposes; eligibility is decided during centroid computation.
func formClusters(segments []diarize.Segment) []*cluster {
	byLabel := make(map[string]*cluster)
	var ordered []*cluster

	for i, seg := range segments {
		cl, ok := byLabel[seg.Label]
		if !ok {
			cl = &cluster{label: seg.Label, firstStart: seg.Start, bestScore: -1}
			byLabel[seg.Label] = cl
			ordered = append(ordered, cl)
		}
		cl.segments = append(cl.segments, i)
	}

	// Input is start-ordered, so appearance order already holds; sorting
	// keeps the invariant even for a misbehaving backend.
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].firstStart < ordered[j].firstStart
	})
	return ordered
}

// computeCentroids embeds the eligible segments of each cluster in
// parallel and averages them. A failed segment embedding degrades that
// segment to unmatchable instead of aborting the run.
func (m *Matcher) computeCentroids(ctx context.Context, samples []float32, segments []diarize.Segment, clusters []*cluster, cfg Config) error {
	embeddings := make([][]float32, len(segments))

	g, gctx := errgroup.WithContext(ctx)
	limit := cfg.EmbedConcurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	for i, seg := range segments {
		if seg.Duration() < cfg.MinSegmentDuration {
			continue
		}
		i, seg := i, seg
		g.Go(func() error {
			window := media.Slice(samples, seg.Start, seg.End)
			emb, err := m.extractor.Extract(gctx, window)
			if err != nil {
				if errors.Is(err, embedding.ErrInsufficientAudio) {
					return nil
				}
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logrus.WithFields(logrus.Fields{
					"label": seg.Label,
					"start": seg.Start,
					"error": err,
				}).Warn("Segment embedding failed, treating as unmatchable")
				return nil
			}
			embeddings[i] = emb
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("embedding extraction cancelled: %w", err)
	}

	for _, cl := range clusters {
		var eligible [][]float32
		for _, idx := range cl.segments {
			if embeddings[idx] != nil {
				eligible = append(eligible, embeddings[idx])
			}
		}
		if len(eligible) == 0 {
			// No centroid: routed straight to the unknown fallback
			continue
		}
		cl.centroid = meanVector(eligible)
	}
	return nil
}

// scoreTable builds the full (cluster, profile, score) table, sorted by
// descending score. Ties break on cluster appearance then profile order
// so assignment is deterministic.
func scoreTable(clusters []*cluster, profiles []*enrollment.Profile) []candidate {
	var table []candidate
	for ci, cl := range clusters {
		if cl.centroid == nil {
			continue
		}
		for pi, profile := range profiles {
			if len(profile.Embedding) != len(cl.centroid) {
				logrus.WithFields(logrus.Fields{
					"user_id":   profile.UserID,
					"dimension": len(profile.Embedding),
					"expected":  len(cl.centroid),
				}).Warn("Skipping profile with incompatible embedding dimension")
				continue
			}
			table = append(table, candidate{
				clusterIdx: ci,
				profileIdx: pi,
				score:      Cosine(cl.centroid, profile.Embedding),
			})
		}
	}

	sort.SliceStable(table, func(i, j int) bool {
		if table[i].score != table[j].score {
			return table[i].score > table[j].score
		}
		if table[i].clusterIdx != table[j].clusterIdx {
			return table[i].clusterIdx < table[j].clusterIdx
		}
		return table[i].profileIdx < table[j].profileIdx
	})
	return table
}

// clusterMargin returns the gap between a cluster's best and second-best
// profile scores. Clusters with a single candidate have full margin.
func clusterMargin(table []candidate, clusterIdx int) float64 {
	best, second := -1.0, -1.0
	for _, c := range table {
		if c.clusterIdx != clusterIdx {
			continue
		}
		if c.score > best {
			best, second = c.score, best
		} else if c.score > second {
			second = c.score
		}
	}
	if second < 0 {
		return 2 // full cosine range
	}
	return best - second
}

// meanVector averages embeddings of identical dimensionality
func meanVector(vectors [][]float32) []float32 {
	mean := make([]float32, len(vectors[0]))
	for _, v := range vectors {
		for i := range v {
			mean[i] += v[i]
		}
	}
	n := float32(len(vectors))
	for i := range mean {
		mean[i] /= n
	}
	return mean
}

// Cosine computes cosine similarity between two vectors: the inner
// product of the unit-normalized inputs. Range -1..1.
func Cosine(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	return dot / ((math.Sqrt(normA) + 1e-9) * (math.Sqrt(normB) + 1e-9))
}
