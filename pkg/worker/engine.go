package worker

import (
	"context"

	"loom/pkg/component"
	"loom/pkg/durability"
)

// Host is the surface a guest's imported functions reach the outside
// world through. The production host is the durability interceptor, so
// every durable call is journaled live and resolved from the journal on
// replay.
type Host interface {
	Execute(ctx context.Context, call durability.Call) ([]byte, error)
	BeginRemoteWrite(ctx context.Context) error
	EndRemoteWrite(ctx context.Context) error
}

// Engine abstracts the WASM runtime. This keeps the execution engine
// swappable and lets the scheduler be tested without a real runtime.
type Engine interface {
	// Instantiate loads the component and links its imports to host.
	Instantiate(ctx context.Context, comp *component.Component, host Host) (Instance, error)
}

// Instance is one live WASM instance of a component.
type Instance interface {
	// Invoke runs an exported function to completion. All durable host
	// calls made inside go through the Host the instance was linked with.
	Invoke(ctx context.Context, function string, args []byte) ([]byte, error)

	// Close frees the instance's resources.
	Close(ctx context.Context) error
}

// FuelMetered is implemented by instances whose runtime meters compute.
// ConsumedFuel reports fuel burned since the last call.
type FuelMetered interface {
	ConsumedFuel() int64
}

// Snapshotter is implemented by instances of components that export a
// state snapshot function, enabling snapshot-based compaction and
// snapshot-based updates.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]byte, error)
	Restore(ctx context.Context, state []byte) error
}
