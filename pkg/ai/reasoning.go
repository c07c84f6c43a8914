package ai

import "strings"

// stateTracker infers the reasoning phase for providers that do not
// report one. The phase only moves forward: analyzing until a `---`
// separator line, concluding until the first JSON fence, generating
// after.
type stateTracker struct {
	state string
	tail  string
}

func newStateTracker() *stateTracker {
	return &stateTracker{state: StateAnalyzing}
}

// Next returns the state for a chunk. A provider-reported state wins
// and advances the tracker so later inference continues from there.
func (t *stateTracker) Next(c Chunk) string {
	if c.State != "" {
		t.state = c.State
		return t.state
	}

	// Separator and fence markers can straddle chunk boundaries; keep a
	// short tail from the previous chunk.
	window := t.tail + c.Text
	if len(window) >= 8 {
		t.tail = window[len(window)-8:]
	} else {
		t.tail = window
	}

	switch t.state {
	case StateAnalyzing:
		if i := strings.Index(window, "\n---"); i >= 0 {
			t.state = StateConcluding
			// The fence may follow in the same chunk.
			if strings.Contains(window[i:], "```") {
				t.state = StateGenerating
			}
		}
	case StateConcluding:
		if strings.Contains(window, "```") {
			t.state = StateGenerating
		}
	}
	return t.state
}
