// Package transcript turns resolved diarization segments into the final
// named meeting transcript.
package transcript

import (
	"strings"
	"time"

	"github.com/voxident/voxident/internal/diarize"
	"github.com/voxident/voxident/internal/identify"
)

// Entry is one speaker turn of the final transcript
type Entry struct {
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
}

// Transcript is the durable artifact handed to downstream summarization
type Transcript struct {
	MeetingID   string    `json:"meetingId,omitempty"`
	Title       string    `json:"title,omitempty"`
	GeneratedAt time.Time `json:"generatedAt"`
	Entries     []Entry   `json:"entries"`
}

// Assemble applies the resolution to the ordered segment sequence,
// substituting resolved names and merging consecutive turns of the same
// speaker. Input ordering by start time is assumed and never changed.
func Assemble(segments []diarize.Segment, resolution *identify.Resolution) Transcript {
	entries := make([]Entry, 0, len(segments))
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		entries = append(entries, Entry{
			Speaker: resolution.Lookup(seg.Label),
			Start:   seg.Start,
			End:     seg.End,
			Text:    text,
		})
	}

	return Transcript{
		GeneratedAt: time.Now(),
		Entries:     MergeEntries(entries),
	}
}

// MergeEntries collapses consecutive entries of the same speaker into one
// entry spanning both, with concatenated text. Idempotent: merging an
// already-merged sequence changes nothing.
func MergeEntries(entries []Entry) []Entry {
	merged := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if n := len(merged); n > 0 && merged[n-1].Speaker == e.Speaker {
			last := &merged[n-1]
			last.Text = strings.TrimSpace(last.Text + " " + e.Text)
			last.End = e.End
			continue
		}
		merged = append(merged, e)
	}
	return merged
}
