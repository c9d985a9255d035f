package httpconn

import "context"

// Handler answers requests served by a Server.
type Handler interface {
	ServeRequest(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc is an adapter to allow ordinary functions to be used as handlers.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// ServeRequest calls f(ctx, req).
func (f HandlerFunc) ServeRequest(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Middleware is a function that wraps a Handler with additional functionality.
type Middleware func(Handler) Handler

// Chain combines multiple middlewares into a single middleware. The first
// middleware is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(final Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
