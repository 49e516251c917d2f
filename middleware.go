package mcpwire

import (
	"context"
)

// RequestContext carries per-invocation metadata through the middleware
// chain. Metadata is the scratch space middlewares use to talk to each
// other; keys are namespaced by convention ("cache.hit", "auth.token").
type RequestContext struct {
	RequestID  string
	Operation  string
	ClientInfo Info
	ServerInfo *ServerInfo
	Metadata   map[string]any
}

// NewRequestContext creates a context for one operation with an empty
// metadata map.
func NewRequestContext(requestID, operation string) *RequestContext {
	return &RequestContext{
		RequestID: requestID,
		Operation: operation,
		Metadata:  make(map[string]any),
	}
}

// Next invokes the remainder of the chain, ending at the real
// transport-level call.
type Next func(ctx context.Context, rc *RequestContext, msg Message) (Message, error)

// Middleware observes and transforms one protocol invocation.
//
// ProcessRequest wraps the downstream call and owns its control flow:
// it may mutate the outgoing message, short-circuit without calling
// next, or call next more than once. ProcessResponse transforms the
// message flowing back up. ProcessError may substitute a synthetic
// response for a downstream failure; returning false propagates the
// error unchanged.
type Middleware interface {
	ProcessRequest(ctx context.Context, rc *RequestContext, msg Message, next Next) (Message, error)
	ProcessResponse(ctx context.Context, rc *RequestContext, msg Message) (Message, error)
	ProcessError(ctx context.Context, rc *RequestContext, err error) (Message, bool)
}

// PassthroughMiddleware implements Middleware with no-op behavior, for
// embedding by middlewares that only need some of the hooks.
type PassthroughMiddleware struct{}

// ProcessRequest calls straight through to the rest of the chain.
func (PassthroughMiddleware) ProcessRequest(ctx context.Context, rc *RequestContext, msg Message, next Next) (Message, error) {
	return next(ctx, rc, msg)
}

// ProcessResponse returns the response unchanged.
func (PassthroughMiddleware) ProcessResponse(ctx context.Context, rc *RequestContext, msg Message) (Message, error) {
	return msg, nil
}

// ProcessError declines to substitute.
func (PassthroughMiddleware) ProcessError(ctx context.Context, rc *RequestContext, err error) (Message, bool) {
	return Message{}, false
}

// Chain composes middlewares around a terminal call. The first
// middleware registered is the outermost: it sees the request first and
// the response last.
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a chain from the given middlewares in registration
// order.
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: middlewares}
}

// Use appends a middleware to the chain.
func (c *Chain) Use(m Middleware) *Chain {
	c.middlewares = append(c.middlewares, m)
	return c
}

// Len reports how many middlewares the chain holds.
func (c *Chain) Len() int { return len(c.middlewares) }

// Execute runs one invocation through the chain, ending at terminal.
func (c *Chain) Execute(ctx context.Context, rc *RequestContext, msg Message, terminal Next) (Message, error) {
	return c.wrap(terminal)(ctx, rc, msg)
}

// wrap builds the nested closure stack. Iterating in reverse makes the
// first-registered middleware the outermost layer.
func (c *Chain) wrap(terminal Next) Next {
	next := terminal
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		m := c.middlewares[i]
		inner := next
		next = func(ctx context.Context, rc *RequestContext, msg Message) (Message, error) {
			resp, err := m.ProcessRequest(ctx, rc, msg, inner)
			if err != nil {
				if sub, ok := m.ProcessError(ctx, rc, err); ok {
					return sub, nil
				}
				return Message{}, err
			}
			return m.ProcessResponse(ctx, rc, resp)
		}
	}
	return next
}
