// Package transcript reconstructs a readable conversation log from the
// partial recognition text the backend streams during a session.
//
// Partials are cumulative: each fragment extends the current utterance
// rather than replacing it. Fragments accumulate per speaker until the
// backend signals the end of an exchange, at which point both accumulators
// are finalized into ordered entries, user first.
package transcript

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/embercoach/voicelink/pkg/history"
)

// annotationRE matches bracketed non-speech tokens the recognizer emits,
// e.g. "[noise]" or "[laughter]".
var annotationRE = regexp.MustCompile(`\[[^\]]*\]`)

// Clean strips bracketed annotations and collapses the surrounding
// whitespace left behind.
func Clean(text string) string {
	text = annotationRE.ReplaceAllString(text, "")
	return strings.Join(strings.Fields(text), " ")
}

// Aggregator accumulates partial recognition text for both speakers and
// folds finished exchanges into an ordered transcript. Safe for concurrent
// use.
type Aggregator struct {
	mu      sync.Mutex
	user    strings.Builder
	agent   strings.Builder
	entries []history.TranscriptEntry
	now     func() time.Time
}

// New returns an empty aggregator.
func New() *Aggregator {
	return &Aggregator{now: time.Now}
}

// AppendUser extends the user's in-progress utterance with a partial fragment.
func (a *Aggregator) AppendUser(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user.WriteString(text)
}

// AppendAgent extends the agent's in-progress utterance with a partial fragment.
func (a *Aggregator) AppendAgent(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.agent.WriteString(text)
}

// FinalizeTurn closes out the current exchange: both accumulators are
// cleaned, non-empty results are appended to the transcript user-first, and
// the accumulators reset. A turn where neither speaker produced text appends
// nothing.
func (a *Aggregator) FinalizeTurn() {
	a.mu.Lock()
	defer a.mu.Unlock()

	ts := a.now()
	if text := Clean(a.user.String()); text != "" {
		a.entries = append(a.entries, history.TranscriptEntry{
			Speaker:   history.SpeakerUser,
			Text:      text,
			Timestamp: ts,
		})
	}
	if text := Clean(a.agent.String()); text != "" {
		a.entries = append(a.entries, history.TranscriptEntry{
			Speaker:   history.SpeakerAgent,
			Text:      text,
			Timestamp: ts,
		})
	}
	a.user.Reset()
	a.agent.Reset()
}

// Entries returns a copy of the finalized transcript in order.
func (a *Aggregator) Entries() []history.TranscriptEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]history.TranscriptEntry(nil), a.entries...)
}

// Partials returns the cleaned in-progress text for the user and agent. Used
// by callers that render live captions.
func (a *Aggregator) Partials() (user, agent string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Clean(a.user.String()), Clean(a.agent.String())
}
