package engine

import (
	"context"
	"io"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/strataforge/strata/internal/image"
)

// A filesystem delta committed from a workspace.
type Delta struct {
	Descriptor ocispec.Descriptor // Descriptor of the compressed delta blob.
	DiffID     digest.Digest      // Digest of the uncompressed delta.
}

// Output of a command execution inside a workspace.
type ExecResult struct {
	ExitCode int    // Exit code of the process.
	Stdout   string // Captured standard output.
	Stderr   string // Captured standard error.
}

// Executes build stages against some backing container technology.
//
// The pipeline is engine-agnostic: it decides what to run and in which
// order, the engine decides how a workspace is materialized and how its
// changes become a layer blob. Sub-operation concurrency inside the
// engine (e.g. parallel package downloads performed by a package manager
// running in a workspace) is opaque to the pipeline.
type Engine interface {

	// Resolves a base image reference to a pinned snapshot. Must fail
	// fast when the reference cannot be resolved.
	Resolve(ctx context.Context, ref, platform string) (image.Base, error)

	// Materializes the given image state and opens a mutable workspace
	// on top of it. The image itself is never modified.
	Open(ctx context.Context, img *image.Image, id string) (Workspace, error)

	// Writes the image to an OCI archive at the given path.
	Export(ctx context.Context, img *image.Image, path string) error

	// Releases the engine's resources.
	Close() error
}

// A mutable filesystem view a single stage executes in.
//
// Workspaces are short-lived: the pipeline opens one per mutating stage,
// runs the stage's instructions, commits the resulting delta, and closes
// it. A workspace that is closed without a commit leaves no trace.
type Workspace interface {

	// Runs a command through the given shell with the provided
	// environment and working directory. A non-zero exit code is not an
	// error; the caller decides.
	Exec(ctx context.Context, shell, command string, env []string, workdir string) (*ExecResult, error)

	// Creates a directory, including parents.
	MkdirAll(ctx context.Context, path string) error

	// Extracts a tar stream into the given directory.
	CopyIn(ctx context.Context, r io.Reader, destDir string) error

	// Finalizes the workspace's changes as a filesystem delta. No
	// further mutations are permitted after Commit.
	Commit(ctx context.Context) (Delta, error)

	// Discards the workspace and its resources.
	Close(ctx context.Context)
}
