package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/strataforge/strata/internal/image"
)

// An engine that records operations instead of performing them.
//
// Commands execute instantly and succeed unless they match a configured
// failure. Committed deltas are deterministic digests of the workspace's
// recorded operations, so identical stage executions always produce
// identical layers. Used by the pipeline tests.
type MemoryEngine struct {

	// Maps a command substring to the exit code Exec reports for any
	// command containing it.
	FailCommands map[string]int

	mu       sync.Mutex
	commands []string
	exports  []string
}

// Creates a memory engine with no configured failures.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{FailCommands: make(map[string]int)}
}

// Returns every command executed across all workspaces, in order.
func (e *MemoryEngine) Commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.commands...)
}

// Returns the paths of all exported images, in order.
func (e *MemoryEngine) Exports() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.exports...)
}

// Pins a reference to a digest derived from the normalized reference,
// without any registry traffic.
func (e *MemoryEngine) Resolve(ctx context.Context, ref, platform string) (image.Base, error) {
	normalized, err := image.NormalizeReference(ref)
	if err != nil {
		return image.Base{}, err
	}
	return image.Base{
		Reference: normalized,
		Digest:    digest.FromString("memory:" + normalized),
	}, nil
}

func (e *MemoryEngine) Open(ctx context.Context, img *image.Image, id string) (Workspace, error) {
	return &memoryWorkspace{engine: e}, nil
}

func (e *MemoryEngine) Export(ctx context.Context, img *image.Image, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exports = append(e.exports, path)
	return nil
}

func (e *MemoryEngine) Close() error {
	return nil
}

// Records a command globally and returns the configured exit code for it.
func (e *MemoryEngine) run(command string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.commands = append(e.commands, command)
	for substr, code := range e.FailCommands {
		if strings.Contains(command, substr) {
			return code
		}
	}
	return 0
}

// A workspace whose filesystem is a log of operations.
type memoryWorkspace struct {
	engine *MemoryEngine
	ops    []string
}

func (w *memoryWorkspace) Exec(ctx context.Context, shell, command string, env []string, workdir string) (*ExecResult, error) {
	code := w.engine.run(command)
	w.ops = append(w.ops, fmt.Sprintf("exec %s", command))

	result := &ExecResult{ExitCode: code}
	if code != 0 {
		result.Stderr = fmt.Sprintf("command %q failed", command)
	}
	return result, nil
}

func (w *memoryWorkspace) MkdirAll(ctx context.Context, path string) error {
	w.ops = append(w.ops, "mkdir "+path)
	return nil
}

func (w *memoryWorkspace) CopyIn(ctx context.Context, r io.Reader, destDir string) error {
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngine, err)
	}
	w.ops = append(w.ops, fmt.Sprintf("copy %d bytes to %s", n, destDir))
	return nil
}

// Produces a delta addressed purely by the workspace's operation log.
func (w *memoryWorkspace) Commit(ctx context.Context) (Delta, error) {
	d := digest.FromString(strings.Join(w.ops, "\n"))
	return Delta{
		Descriptor: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageLayerGzip,
			Digest:    d,
			Size:      int64(len(w.ops)),
		},
		DiffID: digest.FromString("diff:" + d.String()),
	}, nil
}

func (w *memoryWorkspace) Close(ctx context.Context) {}
