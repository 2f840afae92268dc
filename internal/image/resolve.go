package image

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/opencontainers/go-digest"
)

var ErrResolve = errors.New("base image resolution failed")

// Normalizes a base image reference to a fully qualified form.
//
// Short references default to Docker Hub:
//   - "python:3.12-slim" becomes "docker.io/library/python:3.12-slim"
//   - "owner/repo:tag" becomes "docker.io/owner/repo:tag"
//
// References whose first component contains a dot or port (e.g.
// "ghcr.io/...", "localhost:5000/...") are left as-is.
func NormalizeReference(ref string) (string, error) {
	normalized := ref
	if !strings.Contains(ref, "/") {
		normalized = "docker.io/library/" + ref
	} else if first := strings.Split(ref, "/")[0]; !strings.Contains(first, ".") && !strings.Contains(first, ":") {
		normalized = "docker.io/" + ref
	}

	parsed, err := name.ParseReference(normalized)
	if err != nil {
		return "", fmt.Errorf("%w: invalid reference %q: %v", ErrResolve, ref, err)
	}
	return parsed.String(), nil
}

// Resolves a base image reference against its registry and pins it to a
// concrete manifest digest.
//
// Resolution fetches the manifest for the requested platform but no layer
// content. Any failure (invalid reference, unreachable registry, missing
// tag) aborts resolution; there is no fallback and no retry.
func Resolve(ctx context.Context, ref, platform string) (Base, error) {
	normalized, err := NormalizeReference(ref)
	if err != nil {
		return Base{}, err
	}

	parsed, err := name.ParseReference(normalized)
	if err != nil {
		return Base{}, fmt.Errorf("%w: %v", ErrResolve, err)
	}

	p, err := v1.ParsePlatform(platform)
	if err != nil {
		return Base{}, fmt.Errorf("%w: invalid platform %q: %v", ErrResolve, platform, err)
	}

	img, err := remote.Image(parsed, remote.WithContext(ctx), remote.WithPlatform(*p))
	if err != nil {
		return Base{}, fmt.Errorf("%w: %s: %v", ErrResolve, normalized, err)
	}

	dgst, err := img.Digest()
	if err != nil {
		return Base{}, fmt.Errorf("%w: %s: %v", ErrResolve, normalized, err)
	}

	return Base{
		Reference: normalized,
		Digest:    digest.Digest(dgst.String()),
	}, nil
}
