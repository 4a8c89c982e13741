package streamwork

import "context"

// Initializer is implemented by stages that need one-time setup before any
// item flows through them. GraphPipeline.Start calls Setup on every node that
// implements it, in topological order, and aborts the start if any Setup
// fails. A stage whose Setup ran is still closed on shutdown even when a
// later stage's Setup aborted the start.
type Initializer interface {
	Setup(ctx context.Context) error
}

// Closer is implemented by stages that hold resources. Close runs once per
// stage during pipeline shutdown, after the stage has seen its last item.
// Typical implementations flush buffered output and release file handles or
// connections.
type Closer interface {
	Close(ctx context.Context) error
}

// Resettable is implemented by stages whose accumulated state can be cleared
// without rebuilding the stage. GraphPipeline.Reset invokes it on every node
// between runs; tests also use it to reuse one instance across cases.
type Resettable interface {
	Reset(ctx context.Context) error
}

// HealthCheckable lets a stage report whether it is currently able to do its
// work. HealthStatus returns nil when healthy and a descriptive error
// otherwise. GraphPipeline.HealthStatus aggregates these per node.
type HealthCheckable interface {
	HealthStatus(ctx context.Context) error
}
