// Package image models the layered images the pipeline produces.
//
// An image is an ordered chain of layers plus the runtime configuration
// accumulated along the way. Each layer is addressed by a chain digest
// that is a pure function of the parent layer's chain digest and the
// instructions that produced it. That purity is the central invariant:
// it makes layer identity reproducible across builds and is the key the
// layer cache is organized around.
package image

import (
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// A pinned base image: the root of every layer chain.
type Base struct {
	Reference string        // Fully qualified reference (e.g., "docker.io/library/python:3.12-slim").
	Digest    digest.Digest // Manifest digest of the resolved snapshot.
}

// One stage's output in the layer chain.
//
// Metadata-only layers (environment, entrypoint declaration) carry no
// filesystem delta: their Delta descriptor is zero and their DiffID is
// empty. They still occupy a position in the chain and participate in
// chain digests, so changing them invalidates everything downstream.
type Layer struct {
	Stage  string            // Name of the stage that produced the layer.
	Parent digest.Digest     // Chain digest of the parent layer; empty for the base layer.
	Key    digest.Digest     // Digest of the canonical instruction encoding.
	Chain  digest.Digest     // Content address of this layer within the chain.
	Delta  ocispec.Descriptor // Compressed filesystem delta; zero for metadata layers.
	DiffID digest.Digest     // Uncompressed delta digest; empty for metadata layers.
	Cached bool              // Whether the layer was served from the layer store.
}

// Whether the layer carries a filesystem delta.
func (l Layer) Mutates() bool {
	return l.Delta.Digest != ""
}

// Computes a layer's chain digest from its parent and instruction key.
//
// The result depends on nothing else: not on timestamps, not on the
// machine building the image, not on the filesystem bytes the stage
// eventually produces. Two builds that reach a layer through identical
// parents and identical instructions always agree on its chain digest.
func Chain(parent, key digest.Digest) digest.Digest {
	return digest.FromString(parent.String() + "\n" + key.String())
}

// Computes the instruction key for a stage's canonical instruction
// encoding, one instruction per line.
func InstructionKey(instructions []string) digest.Digest {
	return digest.FromString(strings.Join(instructions, "\n"))
}

// Runtime configuration accumulated across metadata stages.
type Config struct {
	Env         map[string]string // Process environment for build stages and the final process.
	WorkingDir  string            // Working directory for build stages and the final process.
	Entrypoint  []string          // Default startup command; set only by an enabled entrypoint stage.
	ExposedPort int               // Declared network port; zero when no entrypoint is baked in.
}

// Whether any runtime configuration has been accumulated beyond the
// base image's own.
func (c *Config) Mutated() bool {
	return len(c.Env) > 0 || c.WorkingDir != "" || len(c.Entrypoint) > 0 || c.ExposedPort > 0
}

// Formats the environment as a sorted list of "key=value" strings
// suitable for passing to the engine. Sorting keeps the encoding
// deterministic.
func (c *Config) Environ() []string {
	env := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// An ordered chain of layers forming a complete image.
//
// Images are immutable once built: the pipeline appends layers while
// building and never revisits committed ones. Any change to an earlier
// stage's inputs produces a different chain digest at that position,
// which is a different image, not a mutation of this one.
type Image struct {
	Base   Base
	Layers []Layer
	Config Config
}

// Creates an image rooted at the given pinned base.
func New(base Base) *Image {
	return &Image{
		Base:   base,
		Config: Config{Env: make(map[string]string)},
	}
}

// Returns the chain digest of the last layer, which identifies the
// image as a whole. Empty when no layer has been committed.
func (img *Image) Digest() digest.Digest {
	if len(img.Layers) == 0 {
		return ""
	}
	return img.Layers[len(img.Layers)-1].Chain
}

// Returns the layers that carry filesystem deltas, in chain order.
func (img *Image) DeltaLayers() []Layer {
	var layers []Layer
	for _, l := range img.Layers {
		if l.Mutates() {
			layers = append(layers, l)
		}
	}
	return layers
}

// Appends a committed layer to the chain.
func (img *Image) Append(layer Layer) {
	img.Layers = append(img.Layers, layer)
}
