package spool

import (
	"context"
)

// Spool defines the durable store used while the broker is unreachable.
// Implementations must survive process restarts: a fresh process must be able
// to LoadAll correctly from the stored state alone.
type Spool interface {
	// Append persists one envelope at the tail of the spool. The write must be
	// crash-safe with respect to previously stored envelopes.
	Append(ctx context.Context, env Envelope) error
	// LoadAll returns every stored envelope in FIFO order without removing
	// them. A missing store yields an empty slice, not an error. Entries that
	// cannot be decoded are quarantined individually and skipped.
	LoadAll(ctx context.Context) ([]Envelope, error)
	// Remove deletes exactly the envelope with the given record sequence.
	// Drain is strictly sequential, so this is only ever called for the
	// oldest remaining entry.
	Remove(ctx context.Context, sequence uint64) error
	// Quarantine moves the envelope with the given record sequence to the
	// dead store, where it is kept but never retried automatically.
	Quarantine(ctx context.Context, sequence uint64, cause string) error
	// Count reports the number of currently spooled envelopes.
	Count(ctx context.Context) (int, error)
	// DeadCount reports the number of quarantined entries.
	DeadCount(ctx context.Context) (int, error)
	// Close releases any resources held by the spool.
	Close() error
}
