// Package relay bridges the workers' event bus to websocket clients. Frames
// read from a Source are validated, recorded, and broadcast verbatim.
package relay

import "context"

// Source yields raw event frames from the worker-side bus. Run blocks until
// ctx ends or the source fails.
type Source interface {
	Run(ctx context.Context, handle func(frame []byte)) error
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, handle func(frame []byte)) error

// Run implements Source.
func (f SourceFunc) Run(ctx context.Context, handle func(frame []byte)) error {
	return f(ctx, handle)
}
