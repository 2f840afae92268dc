package cli

import (
	"context"
	"log/slog"

	"github.com/strataforge/strata/internal/cache"
	"github.com/strataforge/strata/internal/engine"
	"github.com/strataforge/strata/internal/paths"
	"github.com/strataforge/strata/internal/pipeline"
	"github.com/strataforge/strata/internal/recipe"
)

// Represents the 'strata build' command.
type BuildCmd struct {
	Recipe          string `short:"r" default:"strata.yaml" help:"Path to the build recipe." placeholder:"PATH"`
	Context         string `short:"c" default:"." help:"Build context directory." placeholder:"DIR"`
	Output          string `short:"o" default:"dist" help:"Directory for the exported image archive." placeholder:"DIR"`
	Platform        string `help:"Target platform (e.g. linux/amd64)." placeholder:"PLATFORM"`
	NoCache         bool   `help:"Build every layer without consulting the layer store."`
	EngineAddress   string `help:"Override the containerd socket address." placeholder:"ADDR"`
	EngineNamespace string `help:"Override the containerd namespace." placeholder:"NS"`
}

// Executes the build command.
//
// Loads the recipe, opens the layer store, runs the pipeline against the
// containerd engine, and reports the exported archive.
func (c *BuildCmd) Run(ctx context.Context) error {
	rec, err := recipe.Load(c.Recipe)
	if err != nil {
		return err
	}

	store, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	address := c.EngineAddress
	if address == "" {
		address = engine.DefaultAddress
	}
	namespace := c.EngineNamespace
	if namespace == "" {
		namespace = engine.DefaultNamespace
	}

	eng, err := engine.NewContainerd(address, namespace, c.Platform)
	if err != nil {
		return err
	}
	defer eng.Close()

	result, err := pipeline.Run(ctx, eng, pipeline.Options{
		Recipe:   rec,
		Context:  c.Context,
		Output:   c.Output,
		Platform: c.Platform,
		Store:    store,
	})
	if err != nil {
		return err
	}

	slog.Info("build complete",
		"image", result.Image.Digest(),
		"archive", result.Archive,
		"cached", result.Hits,
		"built", result.Misses,
	)
	return nil
}

// Opens the persistent layer store, or a throwaway one for --no-cache.
func (c *BuildCmd) openStore(ctx context.Context) (cache.Store, error) {
	if c.NoCache {
		return cache.NewMemoryStore(), nil
	}
	return cache.OpenSQLiteStore(ctx, paths.LayerStore())
}
