package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func write(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "requirements.txt")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	m, err := Load(write(t, "flask==3.0\n\n# web server\nuvicorn[standard]>=0.30\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	entries := m.Entries()
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0] != "flask==3.0" {
		t.Fatalf("entries[0] = %q, want flask==3.0", entries[0])
	}
	if entries[1] != "uvicorn[standard]>=0.30" {
		t.Fatalf("entries[1] = %q, want uvicorn[standard]>=0.30", entries[1])
	}
	if m.Name() != "requirements.txt" {
		t.Fatalf("name = %q, want requirements.txt", m.Name())
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.txt"))
	if !errors.Is(err, ErrRead) {
		t.Fatalf("err = %v, want ErrRead", err)
	}
}

func TestDigestTracksContent(t *testing.T) {
	a, err := Load(write(t, "flask==3.0\n"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Load(write(t, "flask==3.0\n"))
	if err != nil {
		t.Fatal(err)
	}
	c, err := Load(write(t, "flask==3.1\n"))
	if err != nil {
		t.Fatal(err)
	}

	if a.Digest() != b.Digest() {
		t.Fatalf("identical content produced different digests: %s vs %s", a.Digest(), b.Digest())
	}
	if a.Digest() == c.Digest() {
		t.Fatal("changed content produced the same digest")
	}
}

func TestEmptyManifest(t *testing.T) {
	m, err := Load(write(t, "# only comments\n\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(m.Entries()) != 0 {
		t.Fatalf("entries = %v, want none", m.Entries())
	}
}
