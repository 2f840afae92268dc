package pipeline

import (
	"context"
	"fmt"
	"io"
	"maps"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/strataforge/strata/internal/engine"
	"github.com/strataforge/strata/internal/image"
	"github.com/strataforge/strata/internal/manifest"
	"github.com/strataforge/strata/internal/recipe"
)

// Shell used for all stage commands.
const defaultShell = "/bin/sh"

// A stage descriptor: one link in the pipeline.
//
// A stage consumes the immutable image state built so far and produces
// exactly one new layer. Its canonical instruction encoding is hashed
// together with the parent layer's chain digest to address that layer,
// so the encoding must capture every input that should invalidate the
// layer when changed, including content digests of host files.
type stage interface {

	// Name of the stage, used in layer records and diagnostics.
	name() string

	// The canonical instruction encoding, one instruction per line.
	instructions() []string

	// Whether executing the stage produces a filesystem delta.
	mutates() bool

	// Applies the stage's metadata effects to the accumulated runtime
	// configuration. Called for cache hits and misses alike.
	update(cfg *image.Config)

	// Runs the stage's instructions in the workspace. Only called for
	// stages that mutate, on a cache miss.
	execute(ctx context.Context, ws engine.Workspace, cfg *image.Config) error
}

// Derives the stage list for a recipe.
//
// Stages with nothing to do (no environment variables, no packages, no
// manifest, a disabled entrypoint) are omitted entirely: they contribute
// neither a layer nor anything to the chain digests. The source stage is
// always present. The skip set names context-relative paths excluded
// from the source tree, used to keep the output directory out of its own
// input.
func stagesFor(rec *recipe.Recipe, base image.Base, contextDir string, skip map[string]bool) ([]stage, error) {
	stages := []stage{
		&baseStage{base: base, workdir: rec.Workdir},
	}

	if len(rec.Env) > 0 {
		stages = append(stages, &envStage{env: rec.Env})
	}

	if len(rec.Packages) > 0 {
		stages = append(stages, &packagesStage{packages: rec.Packages})
	}

	if rec.Dependencies.Manifest != "" {
		man, err := manifest.Load(filepath.Join(contextDir, rec.Dependencies.Manifest))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDependencyResolution, err)
		}
		stages = append(stages, &depsStage{man: man})
	}

	tree, err := digestTree(contextDir, skip)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContextCopy, err)
	}
	stages = append(stages, &sourceStage{dir: contextDir, skip: skip, tree: tree})

	if rec.Entrypoint.Enabled {
		stages = append(stages, &entrypointStage{
			port:    rec.Entrypoint.Port,
			command: rec.Entrypoint.Command,
		})
	}

	return stages, nil
}

// Runs one command through the stage shell with the accumulated
// environment and working directory, turning a non-zero exit code into
// an error carrying the command's diagnostic output.
func runCommand(ctx context.Context, ws engine.Workspace, cfg *image.Config, command string) error {
	result, err := ws.Exec(ctx, defaultShell, command, cfg.Environ(), cfg.WorkingDir)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("%q exited with code %d: %s", command, result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return nil
}

// Pins the base image and declares the working directory.
//
// The stage itself executes nothing: the engine materializes the pinned
// base when the first mutating stage opens a workspace. Its instruction
// encoding carries the resolved digest, so a moved tag or a different
// pin invalidates the entire chain.
type baseStage struct {
	base    image.Base
	workdir string
}

func (s *baseStage) name() string { return "base" }

func (s *baseStage) instructions() []string {
	return []string{
		"FROM " + s.base.Reference + "@" + s.base.Digest.String(),
		"WORKDIR " + s.workdir,
	}
}

func (s *baseStage) mutates() bool { return false }

func (s *baseStage) update(cfg *image.Config) {
	cfg.WorkingDir = s.workdir
}

func (s *baseStage) execute(ctx context.Context, ws engine.Workspace, cfg *image.Config) error {
	return nil
}

// Records process-wide environment variables.
//
// A pure metadata stage: no filesystem delta, but the variables are
// visible to every subsequent stage's execution environment and are
// baked into the final image's runtime process environment. The encoding
// sorts keys so equal mappings always produce equal layers.
type envStage struct {
	env map[string]string
}

func (s *envStage) name() string { return "env" }

func (s *envStage) instructions() []string {
	keys := make([]string, 0, len(s.env))
	for k := range s.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	instrs := make([]string, 0, len(keys))
	for _, k := range keys {
		instrs = append(instrs, "ENV "+k+"="+s.env[k])
	}
	return instrs
}

func (s *envStage) mutates() bool { return false }

func (s *envStage) update(cfg *image.Config) {
	maps.Copy(cfg.Env, s.env)
}

func (s *envStage) execute(ctx context.Context, ws engine.Workspace, cfg *image.Config) error {
	return nil
}

// Installs OS packages.
//
// The index is refreshed, exactly the named packages are installed
// without recommended extras, the certificate store is refreshed when a
// trust-affecting package is among them, and the index cache is removed
// before the layer is committed so it never reaches the delta.
type packagesStage struct {
	packages []string
}

func (s *packagesStage) name() string { return "packages" }

func (s *packagesStage) installCommand() string {
	return "apt-get install -y --no-install-recommends " + strings.Join(s.packages, " ")
}

func (s *packagesStage) refreshesTrust() bool {
	for _, pkg := range s.packages {
		if pkg == "ca-certificates" {
			return true
		}
	}
	return false
}

func (s *packagesStage) instructions() []string {
	instrs := []string{
		"RUN apt-get update",
		"RUN " + s.installCommand(),
	}
	if s.refreshesTrust() {
		instrs = append(instrs, "RUN update-ca-certificates")
	}
	return append(instrs, "RUN rm -rf /var/lib/apt/lists/*")
}

func (s *packagesStage) mutates() bool { return true }

func (s *packagesStage) update(cfg *image.Config) {}

func (s *packagesStage) execute(ctx context.Context, ws engine.Workspace, cfg *image.Config) error {
	if err := runCommand(ctx, ws, cfg, "apt-get update"); err != nil {
		return fmt.Errorf("%w: %v", ErrPackageIndex, err)
	}

	if err := runCommand(ctx, ws, cfg, s.installCommand()); err != nil {
		return fmt.Errorf("%w: %v", ErrPackageInstall, err)
	}

	if s.refreshesTrust() {
		if err := runCommand(ctx, ws, cfg, "update-ca-certificates"); err != nil {
			return fmt.Errorf("%w: %v", ErrPackageInstall, err)
		}
	}

	if err := runCommand(ctx, ws, cfg, "rm -rf /var/lib/apt/lists/*"); err != nil {
		return fmt.Errorf("%w: %v", ErrPackageIndex, err)
	}

	return nil
}

// Installs language-level dependencies from the manifest.
//
// The manifest is copied into the image before the rest of the source
// tree and installation runs immediately after, so this layer's identity
// depends only on the manifest's content. Editing unrelated source after
// a successful build never forces dependency reinstallation; that
// ordering is the pipeline's principal cache-efficiency mechanism. The
// installer upgrades itself first and installs with cache persistence
// disabled so its internal caches never reach the layer.
type depsStage struct {
	man *manifest.Manifest
}

func (s *depsStage) name() string { return "dependencies" }

func (s *depsStage) installCommand() string {
	return "pip install --no-cache-dir -r " + s.man.Name()
}

func (s *depsStage) instructions() []string {
	return []string{
		"COPY " + s.man.Name() + " " + s.man.Digest().String(),
		"RUN pip install --upgrade pip",
		"RUN " + s.installCommand(),
	}
}

func (s *depsStage) mutates() bool { return true }

func (s *depsStage) update(cfg *image.Config) {}

func (s *depsStage) execute(ctx context.Context, ws engine.Workspace, cfg *image.Config) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(tarFile(pw, s.man.Path(), s.man.Name()))
	}()

	if err := ws.CopyIn(ctx, pr, cfg.WorkingDir); err != nil {
		return fmt.Errorf("%w: %v", ErrDependencyResolution, err)
	}

	if err := runCommand(ctx, ws, cfg, "pip install --upgrade pip"); err != nil {
		return fmt.Errorf("%w: %v", ErrDependencyInstall, err)
	}

	if err := runCommand(ctx, ws, cfg, s.installCommand()); err != nil {
		return fmt.Errorf("%w: %v", ErrDependencyInstall, err)
	}

	return nil
}

// Copies the full build context into the image's working directory.
//
// Deliberately the last mutating stage, so routine source edits
// invalidate only this layer. Its instruction encoding carries a content
// digest of the whole tree: any file added, removed, or edited produces
// a different layer address.
type sourceStage struct {
	dir  string
	skip map[string]bool
	tree digest.Digest
}

func (s *sourceStage) name() string { return "source" }

func (s *sourceStage) instructions() []string {
	return []string{"COPY . " + s.tree.String()}
}

func (s *sourceStage) mutates() bool { return true }

func (s *sourceStage) update(cfg *image.Config) {}

func (s *sourceStage) execute(ctx context.Context, ws engine.Workspace, cfg *image.Config) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(tarTree(pw, s.dir, s.skip))
	}()

	if err := ws.CopyIn(ctx, pr, cfg.WorkingDir); err != nil {
		return fmt.Errorf("%w: %v", ErrContextCopy, err)
	}
	return nil
}

// Bakes the declared runtime contract into the image.
//
// Only reached when the recipe enables the declaration; the pipeline
// omits the stage entirely otherwise. A pure metadata stage.
type entrypointStage struct {
	port    int
	command []string
}

func (s *entrypointStage) name() string { return "entrypoint" }

func (s *entrypointStage) instructions() []string {
	return []string{
		"EXPOSE " + strconv.Itoa(s.port) + "/tcp",
		"ENTRYPOINT " + strings.Join(s.command, " "),
	}
}

func (s *entrypointStage) mutates() bool { return false }

func (s *entrypointStage) update(cfg *image.Config) {
	cfg.ExposedPort = s.port
	cfg.Entrypoint = append([]string(nil), s.command...)
}

func (s *entrypointStage) execute(ctx context.Context, ws engine.Workspace, cfg *image.Config) error {
	return nil
}
