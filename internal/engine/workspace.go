package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"syscall"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/containerd/containerd/v2/pkg/rootfs"
	"github.com/containerd/errdefs"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Sequence counter for generating unique exec process identifiers.
var execSeq uint64

// Returns a unique exec process identifier.
func nextExecID() string {
	return fmt.Sprintf("exec-%d", atomic.AddUint64(&execSeq, 1))
}

// A workspace backed by a containerd container.
//
// The container runs a long-lived task (sleep infinity) so that Exec
// calls have a running process to attach to. Commit stops the task and
// diffs the container's snapshot against its parent.
type workspace struct {
	client   *containerd.Client // Containerd client for managing the container.
	id       string             // Containerd container ID.
	platform string             // OCI platform (e.g., "linux/amd64").
}

// Creates the containerd container with the standard build configuration.
func (w *workspace) create(ctx context.Context, img containerd.Image) (containerd.Container, error) {
	return w.client.NewContainer(ctx, w.id,
		containerd.WithImage(img),
		containerd.WithSnapshotter(snapshotter),
		containerd.WithNewSnapshot(w.id, img),
		containerd.WithRuntime(ociRuntime, nil),
		containerd.WithNewSpec(
			oci.WithDefaultSpecForPlatform(w.platform),
			oci.WithImageConfig(img),
			oci.WithHostNamespace(specs.NetworkNamespace),
			oci.WithHostResolvconf,
			oci.WithProcessArgs("sleep", "infinity"),
		),
	)
}

// Starts the workspace's long-running task with no attached IO.
func (w *workspace) startTask(ctx context.Context, ctr containerd.Container) error {
	task, err := ctr.NewTask(ctx, cio.NullIO)
	if err != nil {
		return err
	}
	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)
		return err
	}
	return nil
}

// Removes an existing container with this ID, if one exists.
//
// Any running task is killed and the container is deleted along with its
// snapshot. This is a no-op when no container with the ID is found.
func (w *workspace) remove(ctx context.Context) {
	existing, err := w.client.LoadContainer(ctx, w.id)
	if err != nil {
		return
	}
	if task, err := existing.Task(ctx, nil); err == nil {
		task.Kill(ctx, syscall.SIGKILL)
		task.Delete(ctx, containerd.WithProcessKill)
	}
	existing.Delete(ctx, containerd.WithSnapshotCleanup)
}

// Runs a command inside the workspace.
//
// The command is passed to the shell as a single argument via "shell -c
// command". Environment variables and working directory override the
// container's OCI spec for this execution only.
func (w *workspace) Exec(ctx context.Context, shell, command string, env []string, workdir string) (*ExecResult, error) {
	var stdout bytes.Buffer
	exitCode, stderr, err := w.execCommand(ctx, nil, &stdout, env, workdir, shell, "-c", command)
	if err != nil {
		return nil, err
	}

	return &ExecResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr,
	}, nil
}

// Creates a directory inside the workspace, including parents.
func (w *workspace) MkdirAll(ctx context.Context, path string) error {
	return w.mustExec(ctx, "mkdir", nil, "mkdir", "-p", path)
}

// Extracts a tar stream into the workspace's filesystem.
//
// The contents of r are extracted into destDir by piping them to
// "tar xf - -C destDir" inside the workspace.
func (w *workspace) CopyIn(ctx context.Context, r io.Reader, destDir string) error {
	if err := w.MkdirAll(ctx, destDir); err != nil {
		return err
	}
	return w.mustExecStdin(ctx, "tar extract", r, "tar", "xf", "-", "-C", destDir)
}

// Finalizes the workspace's changes as a filesystem delta.
//
// The long-running task is stopped first so no process is mutating the
// filesystem while the snapshot is diffed. The diff between the
// container's snapshot and its parent is written to the content store as
// a compressed layer blob.
func (w *workspace) Commit(ctx context.Context) (Delta, error) {
	ctr, err := w.client.LoadContainer(ctx, w.id)
	if err != nil {
		return Delta{}, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	info, err := ctr.Info(ctx)
	if err != nil {
		return Delta{}, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	if err := w.stopTask(ctx, ctr); err != nil {
		return Delta{}, err
	}

	layer, err := rootfs.CreateDiff(ctx,
		info.SnapshotKey,
		w.client.SnapshotService(info.Snapshotter),
		w.client.DiffService(),
	)
	if err != nil {
		return Delta{}, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	diffID, err := images.GetDiffID(ctx, w.client.ContentStore(), layer)
	if err != nil {
		return Delta{}, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	slog.Debug("workspace committed", "id", w.id, "delta", layer.Digest, "size", layer.Size)
	return Delta{Descriptor: layer, DiffID: diffID}, nil
}

// Discards the workspace, its task, and its snapshot.
func (w *workspace) Close(ctx context.Context) {
	ctr, err := w.client.LoadContainer(ctx, w.id)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			slog.Warn("failed to load workspace for teardown", "id", w.id, "error", err)
		}
		return
	}

	if task, err := ctr.Task(ctx, nil); err == nil {
		task.Kill(ctx, syscall.SIGKILL)
		task.Delete(ctx, containerd.WithProcessKill)
	}

	if err := ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		slog.Warn("failed to delete workspace container", "id", w.id, "error", err)
	}
}

// Stops the workspace's task, tolerating an already-stopped task.
func (w *workspace) stopTask(ctx context.Context, ctr containerd.Container) error {
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrEngine, err)
	}

	task.Kill(ctx, syscall.SIGKILL)
	if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %v", ErrEngine, err)
	}
	return nil
}

// Builds an OCI process spec for running a command inside the workspace.
//
// The base values are copied from the container's own OCI spec, then env
// and workdir are overridden if provided.
func (w *workspace) buildProcessSpec(ctx context.Context, env []string, workdir string, args ...string) (*specs.Process, error) {
	ctr, err := w.client.LoadContainer(ctx, w.id)
	if err != nil {
		return nil, err
	}

	spec, err := ctr.Spec(ctx)
	if err != nil {
		return nil, err
	}

	pspec := *spec.Process
	pspec.Terminal = false
	pspec.Args = args

	if len(env) > 0 {
		pspec.Env = mergeEnv(pspec.Env, env)
	}
	if workdir != "" {
		pspec.Cwd = workdir
	}

	return &pspec, nil
}

// Merges override env vars on top of a base env slice.
func mergeEnv(base, overrides []string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	order := make([]string, 0, len(base)+len(overrides))

	set := func(entry string) {
		if k, v, ok := strings.Cut(entry, "="); ok {
			if _, seen := merged[k]; !seen {
				order = append(order, k)
			}
			merged[k] = v
		}
	}
	for _, entry := range base {
		set(entry)
	}
	for _, entry := range overrides {
		set(entry)
	}

	result := make([]string, 0, len(merged))
	for _, k := range order {
		result = append(result, k+"="+merged[k])
	}
	return result
}

// Runs a command inside the workspace, returning the exit code and
// captured stderr. A non-zero exit code is not treated as an error; the
// caller decides.
func (w *workspace) execCommand(ctx context.Context, stdin io.Reader, stdout io.Writer, env []string, workdir string, args ...string) (int, string, error) {
	pspec, err := w.buildProcessSpec(ctx, env, workdir, args...)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrEngine, err)
	}

	var stderr bytes.Buffer
	exitCode, err := w.execProcess(ctx, pspec, stdin, stdout, &stderr)
	if err != nil {
		return 0, "", err
	}
	return exitCode, stderr.String(), nil
}

// Helper that runs a command and fails on a non-zero exit code.
func (w *workspace) mustExec(ctx context.Context, desc string, stdout io.Writer, args ...string) error {
	exitCode, stderr, err := w.execCommand(ctx, nil, stdout, nil, "", args...)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("%w: %s failed with exit code %d (%s)", ErrEngine, desc, exitCode, stderr)
	}
	return nil
}

// Helper that runs a command fed from stdin and fails on a non-zero
// exit code.
func (w *workspace) mustExecStdin(ctx context.Context, desc string, stdin io.Reader, args ...string) error {
	exitCode, stderr, err := w.execCommand(ctx, stdin, nil, nil, "", args...)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("%w: %s failed with exit code %d (%s)", ErrEngine, desc, exitCode, stderr)
	}
	return nil
}

// Starts a process inside the workspace's running task, waits for it to
// exit, and returns the exit code.
//
// The process is attached to the task as an additional exec, not as the
// primary process. Nil streams are replaced with io.Discard (stdout and
// stderr) or left disconnected (stdin). When stdin is provided, the
// container's stdin is explicitly closed after the reader returns EOF so
// the exec process receives the EOF signal; the containerd shim holds
// both ends of the stdin FIFO open and will not propagate EOF on its own.
func (w *workspace) execProcess(ctx context.Context, pspec *specs.Process, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	ctr, err := w.client.LoadContainer(ctx, w.id)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	// Wrap stdin to detect when the reader returns EOF.
	var stdinDone <-chan struct{}
	if stdin != nil {
		dr := newDoneReader(stdin)
		stdin = dr
		stdinDone = dr.done
	}

	process, err := task.Exec(ctx, nextExecID(), pspec, cio.NewCreator(
		cio.WithStreams(stdin, stdout, stderr),
	))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	return awaitProcess(ctx, process, stdinDone)
}

// Waits for an exec process to exit and returns the exit code.
//
// The process is started, then the function blocks until it exits. If
// stdinDone is non-nil, the process stdin is closed when the channel
// fires so the exec process receives EOF. The process is always deleted
// before returning.
func awaitProcess(ctx context.Context, process containerd.Process, stdinDone <-chan struct{}) (int, error) {
	statusC, err := process.Wait(ctx)
	if err != nil {
		process.Delete(ctx)
		return 0, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	if err := process.Start(ctx); err != nil {
		process.Delete(ctx)
		return 0, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	if stdinDone != nil {
		go func() {
			<-stdinDone
			process.CloseIO(ctx, containerd.WithStdinCloser)
		}()
	}

	exitStatus := <-statusC
	process.Delete(ctx)

	code, _, err := exitStatus.Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	return int(code), nil
}
