package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/strataforge/strata/internal/cache"
	"github.com/strataforge/strata/internal/paths"
)

// Represents the 'strata cache' command group.
type CacheCmd struct {
	List  CacheListCmd  `cmd:"" help:"List cached layers, newest first."`
	Prune CachePruneCmd `cmd:"" help:"Remove every cached layer."`
}

// Represents the 'strata cache list' command.
type CacheListCmd struct{}

// Executes the cache list command.
func (c *CacheListCmd) Run(ctx context.Context) error {
	store, err := cache.OpenSQLiteStore(ctx, paths.LayerStore())
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Entries(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tCHAIN\tSIZE\tCREATED")
	for _, e := range entries {
		size := "-"
		if e.Delta != "" {
			size = fmt.Sprintf("%d", e.Size)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.Stage,
			e.Chain.Encoded()[:12],
			size,
			e.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	return w.Flush()
}

// Represents the 'strata cache prune' command.
type CachePruneCmd struct{}

// Executes the cache prune command.
//
// Removes every record from the layer store. Blobs anchored in containerd
// become collectable once their image records are released.
func (c *CachePruneCmd) Run(ctx context.Context) error {
	store, err := cache.OpenSQLiteStore(ctx, paths.LayerStore())
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Prune(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("removed %d cached layers\n", n)
	return nil
}
