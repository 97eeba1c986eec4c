// Package state provides the document store backing leases, cursors and
// workspace registrations. Documents are addressed by slash-separated paths
// (e.g. "users/u1/projects/p1") and mutated through per-document
// compare-and-swap transactions, the only consistency primitive the bridge
// relies on.
package state

import (
	"context"
	"errors"
)

// ErrTxnConflict is returned by Update when the document changed between the
// read and the conditional write after all retries were exhausted.
var ErrTxnConflict = errors.New("state: transaction conflict")

// ErrNotFound is returned by Get for documents that do not exist.
var ErrNotFound = errors.New("state: document not found")

// Mutate inspects the current document body (nil when the document does not
// exist) and returns the new body. Returning nil deletes the document.
// The function may be invoked multiple times on contention and must be pure.
type Mutate func(current []byte) ([]byte, error)

// Store is a document database offering per-document CAS transactions.
type Store interface {
	// Get returns the raw document body, or ErrNotFound.
	Get(ctx context.Context, path string) ([]byte, error)

	// Put unconditionally replaces the document.
	Put(ctx context.Context, path string, body []byte) error

	// Update applies fn under compare-and-swap: the write only commits if
	// the document is unchanged since the read. Returns the committed body.
	Update(ctx context.Context, path string, fn Mutate) ([]byte, error)

	// Delete removes the document. Deleting an absent document is not an error.
	Delete(ctx context.Context, path string) error
}
