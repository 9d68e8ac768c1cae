package spool

import "errors"

// Domain-specific errors for spool operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrSpoolWrite is returned when an envelope could not be persisted.
	// This is the one failure the engine surfaces to the producer, since
	// neither live nor fallback delivery succeeded.
	ErrSpoolWrite = errors.New("spool: write failed")

	// ErrSpoolCorrupt is returned when stored state cannot be read at all.
	// Individual undecodable entries do not trigger it; they are quarantined.
	ErrSpoolCorrupt = errors.New("spool: stored state unreadable")

	// ErrNotFound is returned when Remove or Quarantine is asked for a
	// sequence that is not in the active spool.
	ErrNotFound = errors.New("spool: no entry with that sequence")
)
