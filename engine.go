package render

import (
	"context"
	"time"
)

// Renderer is what the HTTP façade needs from the rendering core.
type Renderer interface {
	// Render produces one image for a validated request, waiting for a
	// browser slot if necessary.
	Render(ctx context.Context, req *Request) (*Result, *Error)
	// Stats snapshots pool occupancy for admission control.
	Stats() PoolStats
	// Ready reports whether a synthetic render currently succeeds.
	Ready(ctx context.Context) bool
}

// Engine couples the browser pool with the render pipeline. One Engine
// serves the whole process.
type Engine struct {
	pool *Pool
}

// NewEngine creates an Engine on top of a started pool.
func NewEngine(pool *Pool) *Engine {
	return &Engine{pool: pool}
}

// Render acquires a browser, runs the pipeline, and releases the browser
// on every exit path. Queue wait time is measured here and surfaced in the
// result stats.
func (e *Engine) Render(ctx context.Context, req *Request) (*Result, *Error) {
	waitStart := time.Now()
	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, classifyRenderErr(err)
	}
	defer lease.Release()

	return Run(lease, req, time.Since(waitStart))
}

// Stats reports pool occupancy.
func (e *Engine) Stats() PoolStats {
	return e.pool.Stats()
}

// Ready runs the pool's synthetic render probe.
func (e *Engine) Ready(ctx context.Context) bool {
	return e.pool.TestRender(ctx)
}

// Shutdown drains and terminates the pool.
func (e *Engine) Shutdown(ctx context.Context) {
	e.pool.Shutdown(ctx)
}
