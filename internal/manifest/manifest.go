// Package manifest reads the language-level dependency list consumed by
// the dependency installation stage.
//
// The manifest is a plain ordered list with one dependency specification
// per line. Entries are opaque: beyond trimming whitespace and dropping
// blank and comment lines, the pipeline never interprets them. The content
// digest covers the raw file bytes, so any edit to the manifest invalidates
// the dependency layer and everything after it.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
)

var ErrRead = errors.New("manifest not readable")

// An ordered dependency list with its content digest.
type Manifest struct {
	path    string
	entries []string
	dgst    digest.Digest
}

// Loads a manifest from disk.
//
// The digest is computed over the raw file bytes before any line
// filtering, so the digest reflects the file exactly as written.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}

	return &Manifest{
		path:    path,
		entries: splitEntries(string(data)),
		dgst:    digest.FromBytes(data),
	}, nil
}

// Returns the manifest's filename without directories, as it should
// appear inside the image.
func (m *Manifest) Name() string {
	return filepath.Base(m.path)
}

// Returns the host path the manifest was loaded from.
func (m *Manifest) Path() string {
	return m.path
}

// Returns the dependency specifications in declaration order, verbatim.
func (m *Manifest) Entries() []string {
	return m.entries
}

// Returns the content digest of the raw manifest bytes.
func (m *Manifest) Digest() digest.Digest {
	return m.dgst
}

// Splits raw manifest content into entries, dropping blank lines and
// comments. Entry text is otherwise passed through verbatim.
func splitEntries(content string) []string {
	var entries []string
	for line := range strings.Lines(content) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, line)
	}
	return entries
}
