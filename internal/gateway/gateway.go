// Package gateway defines the interface for the engine's entry points.
package gateway

import "context"

// Gateway exposes the engine to callers (HTTP today).
type Gateway interface {
	// Start serves until the gateway exits or ctx is canceled. Returns an
	// error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline for
	// the grace period; in-flight runs should drain before returning.
	Stop(ctx context.Context) error
}
