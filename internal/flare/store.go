package flare

import "context"

// Store provides transactional access to the full State.
// Implementations serialize writers: concurrent callers observe the complete
// result of one transaction or another, never an interleaving.
type Store interface {
	// Transact runs fn against a private copy of the current state and
	// persists the copy atomically if and only if fn returns nil.
	Transact(ctx context.Context, fn func(*State) error) error

	// View runs fn against a read-only copy of the current state.
	// Mutations made by fn are discarded.
	View(ctx context.Context, fn func(*State) error) error

	// Close releases backend resources.
	Close() error
}
