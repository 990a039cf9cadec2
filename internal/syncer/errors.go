package syncer

import "fmt"

// PersistenceError is a single mention that could not be checked or stored.
// It is counted in the sync's errors and never aborts the batch.
type PersistenceError struct {
	SourceID   string
	ExternalID string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting mention %s of source %s: %v", e.ExternalID, e.SourceID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
