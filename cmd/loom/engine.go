package main

import (
	"context"
	"errors"

	"loom/pkg/component"
	"loom/pkg/worker"
)

// The WASM runtime is pluggable behind worker.Engine. This build ships
// without one linked: the node still journals, recovers metadata and
// serves metrics, but refuses to instantiate guests. Embedders replace
// newEngine with their runtime binding.
func newEngine() worker.Engine {
	return unlinkedEngine{}
}

type unlinkedEngine struct{}

func (unlinkedEngine) Instantiate(context.Context, *component.Component, worker.Host) (worker.Instance, error) {
	return nil, errors.New("no wasm engine linked into this build")
}
