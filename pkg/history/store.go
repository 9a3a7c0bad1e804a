package history

import "context"

// Store persists session records. Implementations must be safe for
// concurrent use.
type Store interface {
	// CreateSession allocates a new record for userID with StartedAt set.
	CreateSession(ctx context.Context, userID string) (Record, error)

	// SaveSession writes the record, replacing any previous state for its ID.
	SaveSession(ctx context.Context, rec Record) error

	// LoadSessions returns all records for userID, most recent first.
	LoadSessions(ctx context.Context, userID string) ([]Record, error)

	// DeleteSession removes the record with the given ID. Deleting a missing
	// record is not an error.
	DeleteSession(ctx context.Context, id string) error
}

// Identity resolves the user a new session should belong to.
type Identity interface {
	CurrentUser(ctx context.Context) (User, error)
}
