package recipe

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Default working directory inside the image when the recipe does not
// declare one.
const defaultWorkdir = "/app"

var (
	ErrRead    = errors.New("recipe not readable")
	ErrParse   = errors.New("recipe not parseable")
	ErrInvalid = errors.New("recipe invalid")
)

// Describes a layered image build.
//
// A recipe is the declarative input to the pipeline: a pinned base image,
// process environment, OS packages, a language dependency manifest, and an
// optional entrypoint declaration. The source tree itself is not listed;
// the whole build context is copied by the final mutating stage.
type Recipe struct {
	Base         string            `yaml:"base"`         // Base image reference (name:tag).
	Workdir      string            `yaml:"workdir"`      // Working directory inside the image.
	Env          map[string]string `yaml:"env"`          // Process environment for build and runtime.
	Packages     []string          `yaml:"packages"`     // OS packages, installed in declaration order.
	Dependencies Dependencies      `yaml:"dependencies"` // Language-level dependency installation.
	Entrypoint   Entrypoint        `yaml:"entrypoint"`   // Runtime contract, disabled unless enabled explicitly.
}

// Controls the dependency installation stage.
type Dependencies struct {
	Manifest string `yaml:"manifest"` // Manifest path, relative to the build context.
}

// Declares the image's runtime contract.
//
// The declaration is inert unless Enabled is set: a disabled entrypoint
// contributes nothing to the build, not even to layer hashes. Enabling it
// is a static recipe edit, not a runtime decision.
type Entrypoint struct {
	Enabled bool     `yaml:"enabled"` // Whether the declaration is baked into the image.
	Port    int      `yaml:"port"`    // Network port the process listens on.
	Command []string `yaml:"command"` // Startup command for the image's default process.
}

// Loads and validates a recipe from a YAML file.
func Load(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}
	return Parse(data)
}

// Parses and validates a recipe from YAML bytes.
func Parse(data []byte) (*Recipe, error) {
	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	if err := r.validate(); err != nil {
		return nil, err
	}

	if r.Workdir == "" {
		r.Workdir = defaultWorkdir
	}

	return &r, nil
}

// Checks structural constraints that YAML decoding cannot express.
func (r *Recipe) validate() error {
	if r.Base == "" {
		return fmt.Errorf("%w: base image is required", ErrInvalid)
	}

	for i, pkg := range r.Packages {
		if pkg == "" {
			return fmt.Errorf("%w: packages[%d] is empty", ErrInvalid, i)
		}
	}

	if r.Entrypoint.Enabled {
		if len(r.Entrypoint.Command) == 0 {
			return fmt.Errorf("%w: enabled entrypoint requires a command", ErrInvalid)
		}
		if r.Entrypoint.Port <= 0 || r.Entrypoint.Port > 65535 {
			return fmt.Errorf("%w: enabled entrypoint requires a valid port, got %d", ErrInvalid, r.Entrypoint.Port)
		}
	}

	return nil
}
