package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/strataforge/strata/internal/image"
)

func TestMemoryEngineResolveIsDeterministic(t *testing.T) {
	eng := NewMemoryEngine()
	ctx := context.Background()

	a, err := eng.Resolve(ctx, "python:3.12-slim", "linux/amd64")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	b, err := eng.Resolve(ctx, "python:3.12-slim", "linux/amd64")
	if err != nil {
		t.Fatal(err)
	}

	if a.Digest != b.Digest {
		t.Fatalf("same reference resolved to different digests: %s vs %s", a.Digest, b.Digest)
	}
	if a.Reference != "docker.io/library/python:3.12-slim" {
		t.Fatalf("reference = %q, want normalized form", a.Reference)
	}
}

func TestMemoryWorkspaceCommitDeterministic(t *testing.T) {
	ctx := context.Background()
	img := image.New(image.Base{})

	deltas := make([]Delta, 2)
	for i := range deltas {
		eng := NewMemoryEngine()
		ws, err := eng.Open(ctx, img, "ws")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := ws.Exec(ctx, "/bin/sh", "apt-get update", nil, ""); err != nil {
			t.Fatal(err)
		}
		deltas[i], err = ws.Commit(ctx)
		if err != nil {
			t.Fatal(err)
		}
	}

	if deltas[0].Descriptor.Digest != deltas[1].Descriptor.Digest {
		t.Fatal("identical operations committed different deltas")
	}
}

func TestMemoryEngineFailCommands(t *testing.T) {
	eng := NewMemoryEngine()
	eng.FailCommands["install"] = 100

	ws, err := eng.Open(context.Background(), image.New(image.Base{}), "ws")
	if err != nil {
		t.Fatal(err)
	}

	result, err := ws.Exec(context.Background(), "/bin/sh", "apt-get install -y git", nil, "")
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if result.ExitCode != 100 {
		t.Fatalf("exit code = %d, want 100", result.ExitCode)
	}
	if !strings.Contains(result.Stderr, "failed") {
		t.Fatalf("stderr = %q, want failure diagnostic", result.Stderr)
	}
}
