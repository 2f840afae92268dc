package image

import (
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

func TestChainIsPure(t *testing.T) {
	parent := digest.FromString("parent")
	key := digest.FromString("key")

	if Chain(parent, key) != Chain(parent, key) {
		t.Fatal("identical inputs produced different chain digests")
	}
	if Chain(parent, key) == Chain(digest.FromString("other"), key) {
		t.Fatal("different parents produced the same chain digest")
	}
	if Chain(parent, key) == Chain(parent, digest.FromString("other")) {
		t.Fatal("different keys produced the same chain digest")
	}
}

func TestInstructionKeyOrderSensitive(t *testing.T) {
	a := InstructionKey([]string{"RUN apt-get update", "RUN apt-get install -y git"})
	b := InstructionKey([]string{"RUN apt-get install -y git", "RUN apt-get update"})
	if a == b {
		t.Fatal("reordered instructions produced the same key")
	}
}

func TestImageDigest(t *testing.T) {
	img := New(Base{Reference: "docker.io/library/python:3.12-slim"})
	if img.Digest() != "" {
		t.Fatalf("empty image digest = %q, want empty", img.Digest())
	}

	first := Layer{Stage: "base", Key: digest.FromString("a")}
	first.Chain = Chain("", first.Key)
	img.Append(first)

	second := Layer{Stage: "packages", Parent: first.Chain, Key: digest.FromString("b")}
	second.Chain = Chain(second.Parent, second.Key)
	img.Append(second)

	if img.Digest() != second.Chain {
		t.Fatalf("image digest = %s, want last layer chain %s", img.Digest(), second.Chain)
	}
}

func TestDeltaLayers(t *testing.T) {
	img := New(Base{})
	img.Append(Layer{Stage: "base"})
	img.Append(Layer{Stage: "packages", Delta: ocispec.Descriptor{Digest: digest.FromString("delta")}, DiffID: digest.FromString("diff")})
	img.Append(Layer{Stage: "env"})

	deltas := img.DeltaLayers()
	if len(deltas) != 1 {
		t.Fatalf("len(deltas) = %d, want 1", len(deltas))
	}
	if deltas[0].Stage != "packages" {
		t.Fatalf("delta stage = %q, want packages", deltas[0].Stage)
	}
}

func TestEnvironSorted(t *testing.T) {
	cfg := Config{Env: map[string]string{
		"PYTHONUNBUFFERED": "1",
		"APP_MODE":         "prod",
	}}

	env := cfg.Environ()
	if len(env) != 2 {
		t.Fatalf("len(environ) = %d, want 2", len(env))
	}
	if env[0] != "APP_MODE=prod" || env[1] != "PYTHONUNBUFFERED=1" {
		t.Fatalf("environ = %v, want sorted [APP_MODE=prod PYTHONUNBUFFERED=1]", env)
	}
}
