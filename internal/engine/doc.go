// Package engine executes build stages against container workspaces.
//
// An [Engine] materializes an immutable image state as a mutable
// workspace, runs commands and file copies inside it, and commits the
// resulting filesystem delta as a new layer blob. The production engine
// is backed by containerd: base images are pulled and pinned by digest,
// intermediate image states are assembled from the base manifest plus
// the chain's committed layer blobs, and each workspace is a container
// with an overlayfs snapshot whose diff becomes the stage's layer.
//
// A [MemoryEngine] records operations instead of performing them and
// produces deterministic deltas, which is what the pipeline tests run
// against.
//
// Example usage:
//
//	eng, err := engine.NewContainerd(engine.DefaultAddress, engine.DefaultNamespace, "linux/amd64")
//	if err != nil {
//	    return err
//	}
//	defer eng.Close()
//
//	ws, err := eng.Open(ctx, img, "build-1")
//	if err != nil {
//	    return err
//	}
//	defer ws.Close(ctx)
//
//	result, err := ws.Exec(ctx, "/bin/sh", "apt-get update", nil, "")
//	if err != nil {
//	    return err
//	}
//
//	delta, err := ws.Commit(ctx)
package engine
