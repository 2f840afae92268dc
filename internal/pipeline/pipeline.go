package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	goruntime "runtime"
	"time"

	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/strataforge/strata/internal/cache"
	"github.com/strataforge/strata/internal/engine"
	"github.com/strataforge/strata/internal/image"
	"github.com/strataforge/strata/internal/paths"
	"github.com/strataforge/strata/internal/recipe"
)

// Filename of the OCI archive produced by a build.
const exportFilename = "image.tar"

// Controls pipeline execution.
type Options struct {
	Recipe   *recipe.Recipe // Recipe to execute.
	Context  string         // Build context directory; manifest and source tree are resolved against it.
	Output   string         // Directory for the exported image.
	Platform string         // Target platform (e.g., "linux/amd64"). Defaults to the host.
	Store    cache.Store    // Layer store. Required.
	BuildID  string         // Identifier used as a prefix for workspace IDs. Defaults to a random ID.
}

// Returned after successful pipeline execution.
type Result struct {
	Image   *image.Image // The built image with its full layer chain.
	Archive string       // Path of the exported OCI archive.
	Hits    int          // Number of layers served from the layer store.
	Misses  int          // Number of layers built by executing their stage.
}

// Executes a recipe against the engine.
//
// Stages run strictly in order; each one either reuses its layer from
// the store or executes in a fresh workspace opened on the image state
// built so far. Any stage failure aborts the build: nothing after the
// failing stage runs, and no layer from or after it is ever recorded.
// On success the final image is exported to output/image.tar.
func Run(ctx context.Context, eng engine.Engine, opts Options) (*Result, error) {
	if opts.Platform == "" {
		opts.Platform = "linux/" + goruntime.GOARCH
	}
	if opts.BuildID == "" {
		opts.BuildID = uuid.NewString()[:8]
	}

	slog.Info("executing recipe",
		"base", opts.Recipe.Base,
		"context", opts.Context,
		"output", opts.Output,
		"platform", opts.Platform,
		"build", opts.BuildID,
	)

	base, err := eng.Resolve(ctx, opts.Recipe.Base, opts.Platform)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBaseResolution, err)
	}
	slog.Info("base image pinned", "ref", base.Reference, "digest", base.Digest)

	stages, err := stagesFor(opts.Recipe, base, opts.Context, skipSet(opts.Context, opts.Output))
	if err != nil {
		return nil, err
	}

	p := &pipeline{
		eng:     eng,
		store:   opts.Store,
		img:     image.New(base),
		buildID: opts.BuildID,
	}

	for i, st := range stages {
		if err := p.runStage(ctx, st, i); err != nil {
			return nil, fmt.Errorf("stage %q: %w", st.name(), err)
		}
	}

	if err := os.MkdirAll(opts.Output, paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBuild, err)
	}

	archive := filepath.Join(opts.Output, exportFilename)
	if err := eng.Export(ctx, p.img, archive); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBuild, err)
	}

	slog.Info("build complete",
		"digest", p.img.Digest(),
		"layers", len(p.img.Layers),
		"hits", p.hits,
		"misses", p.misses,
	)

	return &Result{Image: p.img, Archive: archive, Hits: p.hits, Misses: p.misses}, nil
}

// Holds shared state while the stages of one build execute.
type pipeline struct {
	eng     engine.Engine
	store   cache.Store
	img     *image.Image
	buildID string
	hits    int
	misses  int
}

// Runs a single stage, reusing its layer from the store when possible.
//
// The layer's address is computed before anything executes: it depends
// only on the parent chain digest and the stage's instruction encoding.
// On a hit the recorded blob identity is adopted without opening a
// workspace. On a miss, mutating stages execute in a fresh workspace
// whose committed diff becomes the layer; metadata stages commit an
// empty layer directly. The layer is recorded only after the stage fully
// succeeds.
func (p *pipeline) runStage(ctx context.Context, st stage, index int) error {
	key := image.InstructionKey(st.instructions())
	parent := p.img.Digest()

	layer := image.Layer{
		Stage:  st.name(),
		Parent: parent,
		Key:    key,
		Chain:  image.Chain(parent, key),
	}

	entry, ok, err := p.store.Get(ctx, layer.Chain)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBuild, err)
	}

	if ok {
		slog.Info("layer reused", "stage", st.name(), "chain", layer.Chain)
		layer.Cached = true
		if entry.Delta != "" {
			layer.Delta = ocispec.Descriptor{
				MediaType: entry.MediaType,
				Digest:    entry.Delta,
				Size:      entry.Size,
			}
			layer.DiffID = entry.DiffID
		}
		st.update(&p.img.Config)
		p.img.Append(layer)
		p.hits++
		return nil
	}

	slog.Info("building stage", "stage", st.name())

	if st.mutates() {
		ws, err := p.eng.Open(ctx, p.img, p.workspaceID(st, index))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBuild, err)
		}

		if err := st.execute(ctx, ws, &p.img.Config); err != nil {
			ws.Close(ctx)
			return err
		}

		delta, err := ws.Commit(ctx)
		ws.Close(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBuild, err)
		}

		layer.Delta = delta.Descriptor
		layer.DiffID = delta.DiffID
	}

	st.update(&p.img.Config)
	p.img.Append(layer)
	p.misses++

	err = p.store.Put(ctx, cache.Entry{
		Chain:     layer.Chain,
		Parent:    layer.Parent,
		Key:       layer.Key,
		Stage:     layer.Stage,
		Delta:     layer.Delta.Digest,
		DiffID:    layer.DiffID,
		Size:      layer.Delta.Size,
		MediaType: layer.Delta.MediaType,
		CreatedAt: time.Now(),
	})
	if err != nil {
		// A store failure costs future cache reuse, not this build.
		slog.Warn("failed to record layer", "stage", st.name(), "error", err)
	}

	return nil
}

// Returns a unique workspace ID for a stage, scoped to this build.
func (p *pipeline) workspaceID(st stage, index int) string {
	return fmt.Sprintf("strata-%s-stage-%d-%s", p.buildID, index+1, st.name())
}

// Computes the context-relative paths excluded from the source tree.
//
// The output directory is excluded when it lives inside the build
// context; without this, every export would change the context and
// invalidate the next build's source layer.
func skipSet(contextDir, output string) map[string]bool {
	skip := make(map[string]bool)

	absContext, err := filepath.Abs(contextDir)
	if err != nil {
		return skip
	}
	absOutput, err := filepath.Abs(output)
	if err != nil {
		return skip
	}

	rel, err := filepath.Rel(absContext, absOutput)
	if err == nil && rel != "." && filepath.IsLocal(rel) {
		skip[rel] = true
	}
	return skip
}
