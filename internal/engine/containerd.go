package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/content"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/core/images/archive"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/strataforge/strata/internal/image"
)

const (

	// Default containerd socket address.
	DefaultAddress = "/run/containerd/containerd.sock"

	// Default containerd namespace for images and containers.
	DefaultNamespace = "strata"

	// Snapshotter used for workspace filesystems. fuse-overlayfs provides
	// overlay semantics without requiring root privileges (no mount(2)),
	// allowing strata to run as a regular user.
	snapshotter = "fuse-overlayfs"

	// OCI runtime shim for running workspace containers.
	ociRuntime = "io.containerd.runc.v2"
)

// A containerd-backed engine.
//
// Base images are pulled and pinned by manifest digest. Intermediate
// image states are assembled by appending the chain's committed layer
// blobs to the base manifest; the assembled manifest and config are
// written to the content store and recorded as tagged images, which both
// lets containers run from them and anchors the layer blobs against
// garbage collection so later builds can reuse them.
type Containerd struct {
	client   *containerd.Client // Containerd client for images and containers.
	platform string             // OCI platform all operations target.
}

// Creates a containerd engine connected to the socket at the given
// address, scoping all operations to the given namespace and platform.
// The engine must be closed when no longer needed.
func NewContainerd(address, namespace, platform string) (*Containerd, error) {
	client, err := containerd.New(address, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	return &Containerd{client: client, platform: platform}, nil
}

// Closes the containerd client connection.
func (e *Containerd) Close() error {
	return e.client.Close()
}

// Resolves a base image reference against its registry and pins it to a
// manifest digest. The registry lookup happens out-of-band of containerd
// so that resolution fails fast without touching the content store.
func (e *Containerd) Resolve(ctx context.Context, ref, platform string) (image.Base, error) {
	return image.Resolve(ctx, ref, platform)
}

// Materializes the given image state and starts a workspace container
// on top of it.
func (e *Containerd) Open(ctx context.Context, img *image.Image, id string) (Workspace, error) {
	state, err := e.materialize(ctx, img)
	if err != nil {
		return nil, err
	}

	w := &workspace{client: e.client, id: id, platform: e.platform}

	// Remove any stale container from an aborted build with the same ID.
	w.remove(ctx)

	ctr, err := w.create(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	if err := w.startTask(ctx, ctr); err != nil {
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	slog.Debug("workspace started", "id", id, "state", img.Digest())
	return w, nil
}

// Writes the image to an OCI archive at the given path.
//
// The final manifest and config, including the runtime configuration
// accumulated by metadata stages, are assembled in the content store and
// exported directly via the target descriptor.
func (e *Containerd) Export(ctx context.Context, img *image.Image, path string) error {
	state, err := e.materialize(ctx, img)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngine, err)
	}
	defer f.Close()

	p, err := platforms.Parse(e.platform)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngine, err)
	}

	err = e.client.Export(ctx, f,
		archive.WithManifest(state.Target(), stateTag(img.Digest())),
		archive.WithPlatform(platforms.Only(p)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngine, err)
	}

	slog.Info("image exported", "path", path, "digest", img.Digest())
	return nil
}

// Materializes an image state as a tagged, unpacked containerd image.
//
// The base alone is pulled directly. A state with committed layers is
// assembled once and tagged under its chain digest; subsequent calls for
// the same state reuse the existing record.
func (e *Containerd) materialize(ctx context.Context, img *image.Image) (containerd.Image, error) {
	base, err := e.pullBase(ctx, img.Base)
	if err != nil {
		return nil, err
	}

	if len(img.DeltaLayers()) == 0 && !img.Config.Mutated() {
		return base, nil
	}

	tag := stateTag(img.Digest())
	if existing, err := e.client.ImageService().Get(ctx, tag); err == nil {
		return e.resolveImage(ctx, existing)
	}

	// A content lease protects the assembled blobs from garbage
	// collection until the image record referencing them exists.
	ctx, done, err := e.client.WithLease(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	defer done(context.Background())

	target, err := e.composeTarget(ctx, base.Target(), img)
	if err != nil {
		return nil, err
	}

	record := images.Image{Name: tag, Target: target}
	is := e.client.ImageService()
	if _, err := is.Create(ctx, record); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return nil, fmt.Errorf("%w: %v", ErrEngine, err)
		}
		if _, err := is.Update(ctx, record, "target"); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEngine, err)
		}
	}

	resolved, err := e.resolveImage(ctx, record)
	if err != nil {
		return nil, err
	}

	if err := resolved.Unpack(ctx, snapshotter); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	slog.Debug("image state assembled", "tag", tag, "layers", len(img.DeltaLayers()))
	return resolved, nil
}

// Pulls the pinned base image unless it is already present.
//
// The pull reference includes the resolved manifest digest, so the
// snapshot the build runs on is exactly the one resolution pinned even
// when the tag has moved upstream since.
func (e *Containerd) pullBase(ctx context.Context, base image.Base) (containerd.Image, error) {
	ref := base.Reference + "@" + base.Digest.String()

	if img, err := e.client.GetImage(ctx, ref); err == nil {
		return img, nil
	} else if !errdefs.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	p, err := platforms.Parse(e.platform)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	slog.Info("pulling base image", "ref", ref)

	img, err := e.client.Pull(ctx, ref,
		containerd.WithPlatformMatcher(platforms.Only(p)),
		containerd.WithPullUnpack,
		containerd.WithPullSnapshotter(snapshotter),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: pull %s: %v", ErrEngine, ref, err)
	}

	return img, nil
}

// Selects the platform manifest for a stored image record.
func (e *Containerd) resolveImage(ctx context.Context, record images.Image) (containerd.Image, error) {
	p, err := platforms.Parse(e.platform)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	return containerd.NewImageWithPlatform(e.client, record, platforms.Only(p)), nil
}

// Assembles the target descriptor for an image state.
//
// The base manifest and config are read from the content store, the
// chain's layer blobs and diff IDs are appended, the accumulated runtime
// configuration is applied, and the new config and manifest are written
// back as content-addressed blobs. The base image record is never
// modified.
func (e *Containerd) composeTarget(ctx context.Context, root ocispec.Descriptor, img *image.Image) (ocispec.Descriptor, error) {
	manifestDesc, err := e.resolveManifest(ctx, root)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	manifest, err := readBlob[ocispec.Manifest](ctx, e.client.ContentStore(), manifestDesc)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	config, err := readBlob[ocispec.Image](ctx, e.client.ContentStore(), manifest.Config)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	for _, layer := range img.DeltaLayers() {
		manifest.Layers = append(manifest.Layers, layer.Delta)
		config.RootFS.DiffIDs = append(config.RootFS.DiffIDs, layer.DiffID)
	}
	applyRuntimeConfig(&config, img.Config)

	configDesc, err := e.writeBlob(ctx, manifest.Config.MediaType, config, stateTag(img.Digest())+"-config")
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	manifest.Config = configDesc

	return e.writeBlob(ctx, manifestDesc.MediaType, manifest, stateTag(img.Digest())+"-manifest",
		content.WithLabels(manifestGCLabels(manifest)))
}

// Resolves the image root descriptor to a platform-specific manifest.
//
// If the root is an OCI image index, the index is read and walked to
// find the manifest matching the engine's platform, falling back to the
// first entry when none declares a matching platform.
func (e *Containerd) resolveManifest(ctx context.Context, root ocispec.Descriptor) (ocispec.Descriptor, error) {
	if !images.IsIndexType(root.MediaType) {
		return root, nil
	}

	idx, err := readBlob[ocispec.Index](ctx, e.client.ContentStore(), root)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	if len(idx.Manifests) == 0 {
		return ocispec.Descriptor{}, ErrEmptyIndex
	}

	p, err := platforms.Parse(e.platform)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	matcher := platforms.OnlyStrict(p)
	for _, m := range idx.Manifests {
		if m.Platform != nil && matcher.Match(*m.Platform) {
			return m, nil
		}
	}
	return idx.Manifests[0], nil
}

// Serializes a value and writes it to the content store, returning the
// descriptor that references the stored blob.
func (e *Containerd) writeBlob(ctx context.Context, mediaType string, v any, ref string, opts ...content.Opt) (ocispec.Descriptor, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(b),
		Size:      int64(len(b)),
	}

	if err := content.WriteBlob(ctx, e.client.ContentStore(), ref, bytes.NewReader(b), desc, opts...); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	return desc, nil
}

// Applies the accumulated runtime configuration to an OCI image config.
func applyRuntimeConfig(config *ocispec.Image, cfg image.Config) {
	config.Config.Env = mergeEnv(config.Config.Env, cfg.Environ())
	if cfg.WorkingDir != "" {
		config.Config.WorkingDir = cfg.WorkingDir
	}
	if len(cfg.Entrypoint) > 0 {
		config.Config.Entrypoint = cfg.Entrypoint
		config.Config.Cmd = nil
	}
	if cfg.ExposedPort > 0 {
		if config.Config.ExposedPorts == nil {
			config.Config.ExposedPorts = make(map[string]struct{})
		}
		config.Config.ExposedPorts[strconv.Itoa(cfg.ExposedPort)+"/tcp"] = struct{}{}
	}
}

// Loads and decodes a JSON blob from the content store.
func readBlob[T any](ctx context.Context, cs content.Store, desc ocispec.Descriptor) (T, error) {
	var v T
	b, err := content.ReadBlob(ctx, cs, desc)
	if err != nil {
		return v, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	return v, nil
}

// Computes containerd GC reference labels for a manifest's children.
//
// These labels allow containerd's garbage collector to trace
// reachability from the manifest blob to its config and layer blobs,
// which is what keeps cached layers alive between builds.
func manifestGCLabels(m ocispec.Manifest) map[string]string {
	labels := map[string]string{
		"containerd.io/gc.ref.content.config": m.Config.Digest.String(),
	}
	for i, layer := range m.Layers {
		labels[fmt.Sprintf("containerd.io/gc.ref.content.l.%d", i)] = layer.Digest.String()
	}
	return labels
}

// Returns the containerd image tag for an image state.
func stateTag(chain digest.Digest) string {
	return fmt.Sprintf("strata/%s:latest", chain.Encoded())
}
