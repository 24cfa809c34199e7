package transcript

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxident/voxident/internal/diarize"
	"github.com/voxident/voxident/internal/identify"
)

func resolutionOf(pairs map[string]string) *identify.Resolution {
	assignments := make(map[string]identify.Assignment, len(pairs))
	for label, name := range pairs {
		assignments[label] = identify.Assignment{Name: name, Known: true}
	}
	return &identify.Resolution{Assignments: assignments}
}

func TestAssembleSubstitutesAndMerges(t *testing.T) {
	segments := []diarize.Segment{
		{Start: 0, End: 2, Label: "A", Text: "Good morning"},
		{Start: 2, End: 4, Label: "A", Text: "shall we start?"},
		{Start: 4, End: 6, Label: "B", Text: "Yes."},
		{Start: 6, End: 8, Label: "A", Text: "Great."},
	}
	res := resolutionOf(map[string]string{"A": "Alice", "B": "Bob"})

	tr := Assemble(segments, res)

	require.Len(t, tr.Entries, 3)
	assert.Equal(t, Entry{Speaker: "Alice", Start: 0, End: 4, Text: "Good morning shall we start?"}, tr.Entries[0])
	assert.Equal(t, Entry{Speaker: "Bob", Start: 4, End: 6, Text: "Yes."}, tr.Entries[1])
	assert.Equal(t, Entry{Speaker: "Alice", Start: 6, End: 8, Text: "Great."}, tr.Entries[2])
	assert.NotZero(t, tr.GeneratedAt)
}

func TestAssembleDropsEmptySegments(t *testing.T) {
	segments := []diarize.Segment{
		{Start: 0, End: 2, Label: "A", Text: "   "},
		{Start: 2, End: 4, Label: "B", Text: "hello"},
		{Start: 4, End: 5, Label: "A", Text: ""},
	}
	res := resolutionOf(map[string]string{"A": "Alice", "B": "Bob"})

	tr := Assemble(segments, res)

	require.Len(t, tr.Entries, 1)
	assert.Equal(t, "Bob", tr.Entries[0].Speaker)
}

func TestAssembleNeverReorders(t *testing.T) {
	segments := []diarize.Segment{
		{Start: 0, End: 1, Label: "A", Text: "first"},
		{Start: 1, End: 2, Label: "B", Text: "second"},
		{Start: 2, End: 3, Label: "A", Text: "third"},
		{Start: 3, End: 4, Label: "B", Text: "fourth"},
	}
	res := resolutionOf(map[string]string{"A": "Alice", "B": "Bob"})

	tr := Assemble(segments, res)

	require.Len(t, tr.Entries, 4)
	for i := 1; i < len(tr.Entries); i++ {
		assert.GreaterOrEqual(t, tr.Entries[i].Start, tr.Entries[i-1].End)
	}
}

func TestMergeEntriesIdempotent(t *testing.T) {
	entries := []Entry{
		{Speaker: "Alice", Start: 0, End: 1, Text: "a"},
		{Speaker: "Alice", Start: 1, End: 2, Text: "b"},
		{Speaker: "Bob", Start: 2, End: 3, Text: "c"},
		{Speaker: "Bob", Start: 3, End: 4, Text: "d"},
		{Speaker: "Alice", Start: 4, End: 5, Text: "e"},
	}

	once := MergeEntries(entries)
	twice := MergeEntries(once)

	require.Len(t, once, 3)
	assert.Equal(t, once, twice)
}

func TestMergeEntriesEmpty(t *testing.T) {
	assert.Empty(t, MergeEntries(nil))
}

func TestRenderScript(t *testing.T) {
	tr := Transcript{
		Title: "Weekly Sync",
		Entries: []Entry{
			{Speaker: "Alice", Text: "Hello everyone."},
			{Speaker: "Unknown Speaker 1", Text: "Hi."},
		},
	}

	got := tr.RenderScript()
	assert.Equal(t, "# Weekly Sync\n\nAlice: Hello everyone.\n\nUnknown Speaker 1: Hi.\n", got)
}

func TestRenderTimed(t *testing.T) {
	tr := Transcript{
		Entries: []Entry{
			{Speaker: "Alice", Start: 65, End: 70.5, Text: "one minute in"},
			{Speaker: "Bob", Start: 3700, End: 3705, Text: "an hour in"},
		},
	}

	got := tr.RenderTimed()
	assert.Contains(t, got, "[01:05-01:10] Alice: one minute in")
	assert.Contains(t, got, "[01:01:40-01:01:45] Bob: an hour in")
}

func TestRenderJSONRoundTrip(t *testing.T) {
	tr := Transcript{
		MeetingID: "m-1",
		Entries: []Entry{
			{Speaker: "Alice", Start: 0, End: 2, Text: "hi"},
		},
	}

	data, err := tr.RenderJSON()
	require.NoError(t, err)

	var decoded Transcript
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, tr.MeetingID, decoded.MeetingID)
	assert.Equal(t, tr.Entries, decoded.Entries)
}
