// Package store implements the persistence layer described by the spec's
// data model on top of core/db's two-backend Conn abstraction. Write methods
// that callers compose atomically (JobStore.Create/SavePhaseResult/AddTokens,
// PhaseOutputStore.Upsert, DocumentStore.Upsert) accept a db.Conn so they
// work both against the pool and inside db.WithTx; the other methods use the
// store's own handle.
package store

import (
	"encoding/json"
	"errors"

	"basegraph.app/analysisd/core/db"
)

// ErrNotFound is returned by single-row lookups when no row matches.
var ErrNotFound = errors.New("not found")

// Stores bundles every entity store behind the shared database handle,
// mirroring the teacher's factory pattern of one struct handing out typed
// sub-stores rather than passing the raw connection around.
type Stores struct {
	DB           *db.DB
	Jobs         *JobStore
	PhaseOutputs *PhaseOutputStore
	Documents    *DocumentStore
	Presentation *PresentationCacheStore
	ViewRefine   *ViewRefinementStore
	Polish       *PolishCacheStore
}

// New builds a Stores bundle over an already-bootstrapped database handle.
func New(database *db.DB) *Stores {
	return &Stores{
		DB:           database,
		Jobs:         &JobStore{db: database},
		PhaseOutputs: &PhaseOutputStore{db: database},
		Documents:    &DocumentStore{db: database},
		Presentation: &PresentationCacheStore{db: database},
		ViewRefine:   &ViewRefinementStore{db: database},
		Polish:       &PolishCacheStore{db: database},
	}
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON[T any](s string, out *T) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), out)
}
