// Package history defines the session-record model and the narrow
// collaborator interfaces the engine uses to persist transcripts and resolve
// the current user. The engine depends only on these interfaces; adapters
// live in subpackages (postgres for a real store, mock for tests).
package history

import "time"

// Speaker identifies which side of the conversation produced a transcript entry.
type Speaker string

const (
	// SpeakerUser marks text recognized from the user's microphone.
	SpeakerUser Speaker = "user"

	// SpeakerAgent marks text transcribed from the agent's synthesized reply.
	SpeakerAgent Speaker = "agent"
)

// TranscriptEntry is one finalized utterance in a session transcript.
type TranscriptEntry struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is one voice session as persisted: identity, lifetime, and the
// ordered transcript.
type Record struct {
	// ID uniquely identifies the session.
	ID string

	// UserID is the owning user.
	UserID string

	// StartedAt is when the session reached its backend.
	StartedAt time.Time

	// EndedAt is when the session terminated. Zero while live.
	EndedAt time.Time

	// Entries is the finalized transcript in conversation order.
	Entries []TranscriptEntry
}

// User is the identity a session runs under.
type User struct {
	ID          string
	DisplayName string
}
