package outbox

import (
	"context"
)

// Phase identifies which side of the outbox a middleware invocation
// runs on: "emit" before the adapter persists, "handler" before the
// registered listener runs.
type Phase string

const (
	PhaseEmit    Phase = "emit"
	PhaseHandler Phase = "handler"
)

// MiddlewareContext carries the event through the pipeline.
type MiddlewareContext struct {
	Phase Phase
	Event *Event

	// Tx is the transaction token in play on the emit phase, nil on the
	// handler phase.
	Tx Tx
}

// NextOptions controls downstream execution from within a middleware.
type NextOptions struct {
	// DropEvent skips the remaining middlewares and the terminal action
	// (publish on emit, handler invocation on handler phase). next()
	// returns nil immediately; only the caller's own post-next code runs.
	DropEvent bool
}

// NextFunc continues the chain. Each middleware must call it exactly
// once: a second call fails with a PipelineError, and returning without
// calling it is also an error.
type NextFunc func(opts ...NextOptions) error

// Middleware is an interception point on the emit and handler paths.
// Work before next() runs in registration order, work after next() in
// reverse order.
type Middleware func(ctx context.Context, mc *MiddlewareContext, next NextFunc) error

// pipeline runs a middleware chain ahead of a terminal action and
// tracks whether the event was dropped along the way.
type pipeline struct {
	middlewares []Middleware
	terminal    func(ctx context.Context) error

	dropped    bool
	downstream bool // terminal action ran to completion
}

// runPipeline executes the chain. It returns true when the terminal
// action ran to completion, false when the event was dropped.
func runPipeline(ctx context.Context, middlewares []Middleware, mc *MiddlewareContext, terminal func(ctx context.Context) error) (bool, error) {
	p := &pipeline{middlewares: middlewares, terminal: terminal}
	if err := p.dispatch(ctx, mc, 0); err != nil {
		return false, err
	}
	return p.downstream, nil
}

func (p *pipeline) dispatch(ctx context.Context, mc *MiddlewareContext, index int) error {
	if index == len(p.middlewares) {
		if err := p.terminal(ctx); err != nil {
			return err
		}
		p.downstream = true
		return nil
	}

	called := false
	next := func(opts ...NextOptions) error {
		if called {
			return errNextCalledTwice
		}
		called = true

		for _, o := range opts {
			if o.DropEvent {
				p.dropped = true
			}
		}
		if p.dropped {
			return nil
		}
		return p.dispatch(ctx, mc, index+1)
	}

	if err := p.middlewares[index](ctx, mc, next); err != nil {
		return err
	}
	if !called {
		return errNextNotCalled
	}
	return nil
}
