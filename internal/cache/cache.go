// Package cache provides the persistent layer store.
//
// The store is the only state shared across builds. It maps a layer's
// chain digest (a pure function of the parent chain digest and the stage
// instructions) to the committed layer's blob identity, so a rebuild whose
// inputs are unchanged can reuse the layer without executing the stage.
//
// The store is append-only: entries are added and evicted, never mutated.
// A changed input produces a new chain digest and therefore a new entry;
// the superseded entry simply stops being looked up. Eviction happens only
// through explicit pruning.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/opencontainers/go-digest"
)

var ErrStore = errors.New("layer store error")

// A committed layer recorded in the store.
//
// Metadata-only layers have an empty Delta and DiffID; they are recorded
// so that rebuilds treat them as hits without re-deriving the chain.
type Entry struct {
	Chain     digest.Digest // Chain digest of the layer; the store key.
	Parent    digest.Digest // Chain digest of the parent layer.
	Key       digest.Digest // Digest of the instruction encoding.
	Stage     string        // Name of the stage that produced the layer.
	Delta     digest.Digest // Digest of the compressed filesystem delta; empty for metadata layers.
	DiffID    digest.Digest // Digest of the uncompressed delta; empty for metadata layers.
	Size      int64         // Size of the compressed delta in bytes.
	MediaType string        // Media type of the delta blob.
	CreatedAt time.Time     // When the layer was first committed.
}

// The injectable layer store interface.
//
// Implementations must be safe for use from a single build at a time;
// the pipeline never issues concurrent store calls.
type Store interface {

	// Looks up an entry by chain digest. The second return value reports
	// whether an entry was found.
	Get(ctx context.Context, chain digest.Digest) (Entry, bool, error)

	// Records an entry. Recording a chain digest that already exists is a
	// no-op: the first committed entry wins, entries are never replaced.
	Put(ctx context.Context, entry Entry) error

	// Returns all entries, newest first.
	Entries(ctx context.Context) ([]Entry, error)

	// Evicts every entry, returning the number removed. Explicit pruning
	// is the only way store state shrinks.
	Prune(ctx context.Context) (int, error)

	// Releases any resources held by the store.
	Close() error
}
