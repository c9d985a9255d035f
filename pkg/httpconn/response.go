package httpconn

import (
	"context"
	"net/http"
)

// Response is what a handler answers a request with.
type Response struct {
	Status  int
	Headers Headers
	Body    *Body

	ws *WebSocket
}

// NewResponse creates a response. A zero status is sent as 200.
func NewResponse(status int, body *Body) *Response {
	return &Response{Status: status, Headers: NewHeaders(), Body: body}
}

// Text creates a text/plain response.
func Text(status int, s string) *Response {
	r := NewResponse(status, StringBody(s))
	r.Headers.Set("content-type", "text/plain; charset=utf-8")
	return r
}

// Resolve implements Pending.
func (r *Response) Resolve(context.Context) (*Response, error) {
	return r, nil
}

// WebSocket returns the socket bound to an upgrade response, or nil.
func (r *Response) WebSocket() *WebSocket {
	return r.ws
}

func (r *Response) status() int {
	if r.Status == 0 {
		return http.StatusOK
	}
	return r.Status
}

// Pending is a response that may not be ready yet.
type Pending interface {
	Resolve(ctx context.Context) (*Response, error)
}

// PendingFunc adapts a function to Pending.
type PendingFunc func(ctx context.Context) (*Response, error)

// Resolve calls f(ctx).
func (f PendingFunc) Resolve(ctx context.Context) (*Response, error) {
	return f(ctx)
}
