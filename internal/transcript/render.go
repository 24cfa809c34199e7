package transcript

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RenderScript formats the transcript as a readable script, one speaker
// turn per block.
func (t Transcript) RenderScript() string {
	var b strings.Builder
	if t.Title != "" {
		fmt.Fprintf(&b, "# %s\n\n", t.Title)
	}
	for i, e := range t.Entries {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%s: %s", e.Speaker, e.Text)
	}
	b.WriteString("\n")
	return b.String()
}

// RenderTimed formats the transcript with timestamps, one turn per line
func (t Transcript) RenderTimed() string {
	var b strings.Builder
	for _, e := range t.Entries {
		fmt.Fprintf(&b, "[%s-%s] %s: %s\n", formatTimestamp(e.Start), formatTimestamp(e.End), e.Speaker, e.Text)
	}
	return b.String()
}

// RenderJSON serializes the transcript for inspection and downstream use
func (t Transcript) RenderJSON() ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

func formatTimestamp(sec float64) string {
	d := time.Duration(sec*1000) * time.Millisecond
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
