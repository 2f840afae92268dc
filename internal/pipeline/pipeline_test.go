package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/strataforge/strata/internal/cache"
	"github.com/strataforge/strata/internal/engine"
	"github.com/strataforge/strata/internal/recipe"
)

// Writes a minimal build context: one manifest and one source file.
func writeContext(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("flask==3.0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "app.py"), []byte("print('hello')\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func testRecipe() *recipe.Recipe {
	r, err := recipe.Parse([]byte(`
base: python:3.12-slim
packages: [git]
dependencies:
  manifest: requirements.txt
`))
	if err != nil {
		panic(err)
	}
	return r
}

func run(t *testing.T, eng engine.Engine, store cache.Store, rec *recipe.Recipe, dir string) (*Result, error) {
	t.Helper()
	return Run(context.Background(), eng, Options{
		Recipe:   rec,
		Context:  dir,
		Output:   filepath.Join(t.TempDir(), "dist"),
		Platform: "linux/amd64",
		Store:    store,
		BuildID:  "test",
	})
}

func stageNames(result *Result) []string {
	names := make([]string, 0, len(result.Image.Layers))
	for _, l := range result.Image.Layers {
		names = append(names, l.Stage)
	}
	return names
}

func TestBuildScenario(t *testing.T) {
	eng := engine.NewMemoryEngine()
	store := cache.NewMemoryStore()
	dir := writeContext(t)

	result, err := run(t, eng, store, testRecipe(), dir)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Base, OS packages, dependencies, source: four committed layers.
	names := stageNames(result)
	want := []string{"base", "packages", "dependencies", "source"}
	if len(names) != len(want) {
		t.Fatalf("layers = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("layers = %v, want %v", names, want)
		}
	}

	if result.Misses != 4 || result.Hits != 0 {
		t.Fatalf("hits/misses = %d/%d, want 0/4", result.Hits, result.Misses)
	}

	commands := eng.Commands()
	wantCommands := []string{
		"apt-get update",
		"apt-get install -y --no-install-recommends git",
		"rm -rf /var/lib/apt/lists/*",
		"pip install --upgrade pip",
		"pip install --no-cache-dir -r requirements.txt",
	}
	if len(commands) != len(wantCommands) {
		t.Fatalf("commands = %v, want %v", commands, wantCommands)
	}
	for i := range wantCommands {
		if commands[i] != wantCommands[i] {
			t.Fatalf("commands[%d] = %q, want %q", i, commands[i], wantCommands[i])
		}
	}

	exports := eng.Exports()
	if len(exports) != 1 || filepath.Base(exports[0]) != "image.tar" {
		t.Fatalf("exports = %v, want one image.tar", exports)
	}
	if result.Image.Digest() == "" {
		t.Fatal("built image has no digest")
	}
}

func TestRebuildIsAllCacheHits(t *testing.T) {
	store := cache.NewMemoryStore()
	dir := writeContext(t)

	first, err := run(t, engine.NewMemoryEngine(), store, testRecipe(), dir)
	if err != nil {
		t.Fatal(err)
	}

	second := engine.NewMemoryEngine()
	result, err := run(t, second, store, testRecipe(), dir)
	if err != nil {
		t.Fatal(err)
	}

	if result.Hits != 4 || result.Misses != 0 {
		t.Fatalf("hits/misses = %d/%d, want 4/0", result.Hits, result.Misses)
	}
	if len(second.Commands()) != 0 {
		t.Fatalf("rebuild executed commands: %v", second.Commands())
	}
	if result.Image.Digest() != first.Image.Digest() {
		t.Fatalf("identical inputs produced different digests: %s vs %s",
			result.Image.Digest(), first.Image.Digest())
	}
	for _, l := range result.Image.Layers {
		if !l.Cached {
			t.Fatalf("layer %q was rebuilt on an unchanged input", l.Stage)
		}
	}
}

func TestManifestChangeRebuildsFromDependencies(t *testing.T) {
	store := cache.NewMemoryStore()
	dir := writeContext(t)

	if _, err := run(t, engine.NewMemoryEngine(), store, testRecipe(), dir); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("flask==3.1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	second := engine.NewMemoryEngine()
	result, err := run(t, second, store, testRecipe(), dir)
	if err != nil {
		t.Fatal(err)
	}

	if result.Hits != 2 || result.Misses != 2 {
		t.Fatalf("hits/misses = %d/%d, want 2/2", result.Hits, result.Misses)
	}
	for _, l := range result.Image.Layers {
		switch l.Stage {
		case "base", "packages":
			if !l.Cached {
				t.Fatalf("layer %q rebuilt although its inputs are unchanged", l.Stage)
			}
		case "dependencies", "source":
			if l.Cached {
				t.Fatalf("layer %q reused although the manifest changed", l.Stage)
			}
		}
	}

	for _, cmd := range second.Commands() {
		if strings.HasPrefix(cmd, "apt-get") {
			t.Fatalf("manifest change re-ran OS package command %q", cmd)
		}
	}
}

func TestSourceChangeRebuildsOnlySource(t *testing.T) {
	store := cache.NewMemoryStore()
	dir := writeContext(t)

	if _, err := run(t, engine.NewMemoryEngine(), store, testRecipe(), dir); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "app.py"), []byte("print('changed')\n"), 0644); err != nil {
		t.Fatal(err)
	}

	second := engine.NewMemoryEngine()
	result, err := run(t, second, store, testRecipe(), dir)
	if err != nil {
		t.Fatal(err)
	}

	if result.Hits != 3 || result.Misses != 1 {
		t.Fatalf("hits/misses = %d/%d, want 3/1", result.Hits, result.Misses)
	}
	if len(second.Commands()) != 0 {
		t.Fatalf("source-only change executed commands: %v", second.Commands())
	}

	last := result.Image.Layers[len(result.Image.Layers)-1]
	if last.Stage != "source" || last.Cached {
		t.Fatalf("last layer = %q cached=%v, want a rebuilt source layer", last.Stage, last.Cached)
	}
}

func TestEnvChangeInvalidatesDownstream(t *testing.T) {
	store := cache.NewMemoryStore()
	dir := writeContext(t)

	rec := testRecipe()
	rec.Env = map[string]string{"PYTHONUNBUFFERED": "1"}
	if _, err := run(t, engine.NewMemoryEngine(), store, rec, dir); err != nil {
		t.Fatal(err)
	}

	changed := testRecipe()
	changed.Env = map[string]string{"PYTHONUNBUFFERED": "0"}
	result, err := run(t, engine.NewMemoryEngine(), store, changed, dir)
	if err != nil {
		t.Fatal(err)
	}

	// Only the base layer precedes the environment in the chain.
	if result.Hits != 1 {
		t.Fatalf("hits = %d, want 1 (base only)", result.Hits)
	}
	if result.Misses != 4 {
		t.Fatalf("misses = %d, want 4", result.Misses)
	}
}

func TestPackageInstallFailureAbortsBuild(t *testing.T) {
	eng := engine.NewMemoryEngine()
	eng.FailCommands["apt-get install"] = 100
	store := cache.NewMemoryStore()
	dir := writeContext(t)

	_, err := run(t, eng, store, testRecipe(), dir)
	if !errors.Is(err, ErrPackageInstall) {
		t.Fatalf("err = %v, want ErrPackageInstall", err)
	}

	// The dependency stage must never have started.
	for _, cmd := range eng.Commands() {
		if strings.HasPrefix(cmd, "pip") {
			t.Fatalf("dependency command %q ran after a package failure", cmd)
		}
	}

	// Nothing from the failing stage onward is recorded.
	entries, err := store.Entries(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Stage != "base" {
		t.Fatalf("store entries = %+v, want only the base layer", entries)
	}
}

func TestPackageIndexFailure(t *testing.T) {
	eng := engine.NewMemoryEngine()
	eng.FailCommands["apt-get update"] = 1

	_, err := run(t, eng, cache.NewMemoryStore(), testRecipe(), writeContext(t))
	if !errors.Is(err, ErrPackageIndex) {
		t.Fatalf("err = %v, want ErrPackageIndex", err)
	}
}

func TestDependencyInstallFailureCommitsNoDependencyLayer(t *testing.T) {
	eng := engine.NewMemoryEngine()
	eng.FailCommands["pip install --no-cache-dir"] = 1
	store := cache.NewMemoryStore()
	dir := writeContext(t)

	_, err := run(t, eng, store, testRecipe(), dir)
	if !errors.Is(err, ErrDependencyInstall) {
		t.Fatalf("err = %v, want ErrDependencyInstall", err)
	}

	entries, err := store.Entries(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Stage == "dependencies" || e.Stage == "source" {
			t.Fatalf("layer %q recorded despite the failed build", e.Stage)
		}
	}
}

func TestMissingManifestIsResolutionError(t *testing.T) {
	dir := t.TempDir() // no requirements.txt

	_, err := run(t, engine.NewMemoryEngine(), cache.NewMemoryStore(), testRecipe(), dir)
	if !errors.Is(err, ErrDependencyResolution) {
		t.Fatalf("err = %v, want ErrDependencyResolution", err)
	}
}

func TestBaseResolutionFailure(t *testing.T) {
	rec := testRecipe()
	rec.Base = "NOT A VALID REFERENCE"

	_, err := run(t, engine.NewMemoryEngine(), cache.NewMemoryStore(), rec, writeContext(t))
	if !errors.Is(err, ErrBaseResolution) {
		t.Fatalf("err = %v, want ErrBaseResolution", err)
	}
}

func TestDisabledEntrypointContributesNothing(t *testing.T) {
	dir := writeContext(t)

	plain, err := run(t, engine.NewMemoryEngine(), cache.NewMemoryStore(), testRecipe(), dir)
	if err != nil {
		t.Fatal(err)
	}

	declared := testRecipe()
	declared.Entrypoint = recipe.Entrypoint{
		Enabled: false,
		Port:    8000,
		Command: []string{"uvicorn", "app.main:app", "--host", "0.0.0.0", "--port", "8000"},
	}
	disabled, err := run(t, engine.NewMemoryEngine(), cache.NewMemoryStore(), declared, dir)
	if err != nil {
		t.Fatal(err)
	}

	if plain.Image.Digest() != disabled.Image.Digest() {
		t.Fatal("a disabled entrypoint declaration changed the image digest")
	}
	if len(disabled.Image.Config.Entrypoint) != 0 || disabled.Image.Config.ExposedPort != 0 {
		t.Fatalf("disabled entrypoint leaked into config: %+v", disabled.Image.Config)
	}
}

func TestEnabledEntrypointBakesRuntimeContract(t *testing.T) {
	rec := testRecipe()
	rec.Entrypoint = recipe.Entrypoint{
		Enabled: true,
		Port:    8000,
		Command: []string{"uvicorn", "app.main:app", "--host", "0.0.0.0", "--port", "8000"},
	}

	result, err := run(t, engine.NewMemoryEngine(), cache.NewMemoryStore(), rec, writeContext(t))
	if err != nil {
		t.Fatal(err)
	}

	names := stageNames(result)
	if names[len(names)-1] != "entrypoint" {
		t.Fatalf("layers = %v, want entrypoint last", names)
	}
	if result.Image.Config.ExposedPort != 8000 {
		t.Fatalf("exposed port = %d, want 8000", result.Image.Config.ExposedPort)
	}
	if len(result.Image.Config.Entrypoint) == 0 || result.Image.Config.Entrypoint[0] != "uvicorn" {
		t.Fatalf("entrypoint = %v, want uvicorn command", result.Image.Config.Entrypoint)
	}

	last := result.Image.Layers[len(result.Image.Layers)-1]
	if last.Mutates() {
		t.Fatal("entrypoint layer carries a filesystem delta, want metadata only")
	}
}
