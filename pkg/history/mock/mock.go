// Package mock provides in-memory mock implementations of [history.Store]
// and [history.Identity] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control return values.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/embercoach/voicelink/pkg/history"
)

var (
	_ history.Store    = (*Store)(nil)
	_ history.Identity = (*Identity)(nil)
)

// ─── Store ────────────────────────────────────────────────────────────────────

// Store is a mock implementation of [history.Store] backed by a map.
// Set the exported Error fields before use; inspect the Call* and Saved*
// fields after.
type Store struct {
	mu sync.Mutex

	// CreateError is returned by [Store.CreateSession].
	CreateError error

	// SaveError is returned by [Store.SaveSession].
	SaveError error

	// LoadError is returned by [Store.LoadSessions].
	LoadError error

	// DeleteError is returned by [Store.DeleteSession].
	DeleteError error

	// SavedRecords records all SaveSession invocations in order.
	SavedRecords []history.Record

	// CallCountCreateSession records how many times CreateSession was called.
	CallCountCreateSession int

	records map[string]history.Record
	nextID  int
}

// CreateSession implements [history.Store]. IDs are sequential
// ("session-1", "session-2", …) for stable assertions.
func (s *Store) CreateSession(_ context.Context, userID string) (history.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountCreateSession++
	if s.CreateError != nil {
		return history.Record{}, s.CreateError
	}
	s.nextID++
	rec := history.Record{
		ID:        fmt.Sprintf("session-%d", s.nextID),
		UserID:    userID,
		StartedAt: time.Now(),
	}
	if s.records == nil {
		s.records = make(map[string]history.Record)
	}
	s.records[rec.ID] = rec
	return rec, nil
}

// SaveSession implements [history.Store]. Records the call and stores the record.
func (s *Store) SaveSession(_ context.Context, rec history.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveError != nil {
		return s.SaveError
	}
	s.SavedRecords = append(s.SavedRecords, rec)
	if s.records == nil {
		s.records = make(map[string]history.Record)
	}
	s.records[rec.ID] = rec
	return nil
}

// LoadSessions implements [history.Store].
func (s *Store) LoadSessions(_ context.Context, userID string) ([]history.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadError != nil {
		return nil, s.LoadError
	}
	var out []history.Record
	for _, rec := range s.records {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// DeleteSession implements [history.Store].
func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteError != nil {
		return s.DeleteError
	}
	delete(s.records, id)
	return nil
}

// LastSaved returns the most recently saved record, or false if none.
func (s *Store) LastSaved() (history.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.SavedRecords) == 0 {
		return history.Record{}, false
	}
	return s.SavedRecords[len(s.SavedRecords)-1], true
}

// ─── Identity ─────────────────────────────────────────────────────────────────

// Identity is a mock implementation of [history.Identity].
type Identity struct {
	mu sync.Mutex

	// UserResult is returned by [Identity.CurrentUser].
	// Defaults to {ID: "test-user"} if zero.
	UserResult history.User

	// UserError is returned by [Identity.CurrentUser].
	UserError error

	// CallCountCurrentUser records how many times CurrentUser was called.
	CallCountCurrentUser int
}

// CurrentUser implements [history.Identity].
func (i *Identity) CurrentUser(_ context.Context) (history.User, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.CallCountCurrentUser++
	if i.UserError != nil {
		return history.User{}, i.UserError
	}
	if i.UserResult == (history.User{}) {
		return history.User{ID: "test-user"}, nil
	}
	return i.UserResult, nil
}
