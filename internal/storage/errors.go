package storage

import "errors"

var (
	// ErrNoCycles is returned when no cycle has been recorded yet
	ErrNoCycles = errors.New("no cycles recorded")
	// ErrCycleNotFound is returned when a cycle ID is not in the journal
	ErrCycleNotFound = errors.New("cycle not found")
)
