// Package remote talks to the authoritative relational store.
//
// Store is the narrow interface the rest of crewsync depends on. Two
// implementations live here: Client speaks PostgREST-style HTTP to a real
// backend; Memory keeps tables in process for offline/demo mode and tests.
//
// Filters arrive in terms of Go field names and are resolved against the
// entity registry at this boundary, so a misspelled field is an error
// instead of a predicate that silently matches nothing.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/steveyegge/crewsync/internal/filter"
	"github.com/steveyegge/crewsync/internal/types"
)

var (
	// ErrNotFound is returned for a missing table or row.
	ErrNotFound = errors.New("remote: not found")
	// ErrUnauthorized is returned when the session is rejected.
	ErrUnauthorized = errors.New("remote: unauthorized")
	// ErrOffline is returned by Memory while it simulates a lost network.
	ErrOffline = errors.New("remote: offline")
)

// Store is the remote relational store.
type Store interface {
	// Select returns raw JSON rows of t matching f.
	Select(ctx context.Context, t types.EntityType, f filter.Filter) ([]json.RawMessage, error)
	// Upsert inserts or merges rows keyed by the entity's natural key.
	Upsert(ctx context.Context, t types.EntityType, rows []json.RawMessage) error
	// Delete removes rows matching f. An empty filter is rejected.
	Delete(ctx context.Context, t types.EntityType, f filter.Filter) error
	// Count returns the number of rows matching f.
	Count(ctx context.Context, t types.EntityType, f filter.Filter) (int, error)
}

// TokenSource supplies the bearer token for requests.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// HTTPError is a non-success response from the remote.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the request may succeed if retried.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == 408 || e.StatusCode == 429 || e.StatusCode >= 500
}

// conflictColumns lists the storage columns of an entity's natural key.
func conflictColumns(schema *types.Schema) ([]string, error) {
	key := schema.Key(schema.New())
	cols := make([]string, 0, len(key.Conds))
	for _, c := range key.Conds {
		col, err := schema.Column(c.Field)
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	return cols, nil
}

func requireFilter(t types.EntityType, f filter.Filter) error {
	if f.IsEmpty() {
		return fmt.Errorf("refusing to delete every %s row: empty filter", t)
	}
	return nil
}
