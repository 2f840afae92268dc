// Package pipeline turns a recipe into a layered image.
//
// A build is a single linear sequence of stages: base pinning, process
// environment, OS packages, language dependencies, source tree, and the
// optional entrypoint declaration. Each stage consumes the immutable
// image state built by its predecessors and produces exactly one layer,
// addressed by a chain digest that is a pure function of the parent's
// chain digest and the stage's canonical instructions. That address is
// the key into the layer store: a stage whose inputs are unchanged since
// a previous build is reused without executing, and any changed input
// rebuilds that layer and everything after it.
//
// Stage execution is strictly sequential; a stage sees the fully
// committed filesystem of the stage before it, so there is no safe way
// to overlap stages. Every stage failure is fatal: no retry, no
// partial-success image, and nothing from the failing stage onward is
// recorded in the layer store.
//
// Example usage:
//
//	result, err := pipeline.Run(ctx, eng, pipeline.Options{
//	    Recipe:  rec,
//	    Context: ".",
//	    Output:  "dist",
//	    Store:   store,
//	})
//	if err != nil {
//	    return err
//	}
package pipeline
