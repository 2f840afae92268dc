package recipe

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const sampleRecipe = `
base: python:3.12-slim
env:
  PYTHONUNBUFFERED: "1"
packages:
  - git
  - ca-certificates
dependencies:
  manifest: requirements.txt
entrypoint:
  enabled: false
  port: 8000
  command: ["uvicorn", "app.main:app", "--host", "0.0.0.0", "--port", "8000"]
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strata.yaml")
	if err := os.WriteFile(path, []byte(sampleRecipe), 0644); err != nil {
		t.Fatal(err)
	}

	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if r.Base != "python:3.12-slim" {
		t.Fatalf("base = %q, want python:3.12-slim", r.Base)
	}
	if r.Workdir != "/app" {
		t.Fatalf("workdir = %q, want default /app", r.Workdir)
	}
	if r.Env["PYTHONUNBUFFERED"] != "1" {
		t.Fatalf("env = %v, want PYTHONUNBUFFERED=1", r.Env)
	}
	if len(r.Packages) != 2 || r.Packages[0] != "git" {
		t.Fatalf("packages = %v, want [git ca-certificates]", r.Packages)
	}
	if r.Dependencies.Manifest != "requirements.txt" {
		t.Fatalf("manifest = %q, want requirements.txt", r.Dependencies.Manifest)
	}
	if r.Entrypoint.Enabled {
		t.Fatal("entrypoint should be disabled")
	}
	if r.Entrypoint.Port != 8000 {
		t.Fatalf("declared port = %d, want 8000", r.Entrypoint.Port)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, ErrRead) {
		t.Fatalf("err = %v, want ErrRead", err)
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing base",
			yaml: "packages: [git]",
		},
		{
			name: "empty package name",
			yaml: "base: python:3.12-slim\npackages: [git, \"\"]",
		},
		{
			name: "enabled entrypoint without command",
			yaml: "base: python:3.12-slim\nentrypoint:\n  enabled: true\n  port: 8000",
		},
		{
			name: "enabled entrypoint without port",
			yaml: "base: python:3.12-slim\nentrypoint:\n  enabled: true\n  command: [serve]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestParseMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("base: [unclosed"))
	if !errors.Is(err, ErrParse) {
		t.Fatalf("err = %v, want ErrParse", err)
	}
}

func TestParseCustomWorkdir(t *testing.T) {
	r, err := Parse([]byte("base: python:3.12-slim\nworkdir: /srv"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if r.Workdir != "/srv" {
		t.Fatalf("workdir = %q, want /srv", r.Workdir)
	}
}
