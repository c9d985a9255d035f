package httpconn

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/albertbausili/httpconn/internal/native"
)

// Request is an accepted HTTP request. It is read only; headers are fetched
// from the transport on first use.
type Request struct {
	method  string
	url     string
	headers func() (Headers, error)
	body    *ReadableStream

	ctx    context.Context
	cancel context.CancelCauseFunc

	conn    *Conn
	stream  native.RID
	upgrade atomic.Pointer[PendingConn]
}

// NewRequest creates a request that is not bound to any connection, as used
// by tests and in-process dispatch. Such a request can not be upgraded with
// UpgradeHTTP.
func NewRequest(ctx context.Context, method, rawURL string, headers Headers, body *ReadableStream) *Request {
	ctx, cancel := context.WithCancelCause(ctx)
	h := headers.Clone()
	return &Request{
		method:  method,
		url:     rawURL,
		headers: func() (Headers, error) { return h, nil },
		body:    body,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func newStreamRequest(ctx context.Context, c *Conn, acc *native.Accepted) *Request {
	ctx, cancel := context.WithCancelCause(ctx)
	t, stream := c.t, acc.Stream
	r := &Request{
		method: acc.Method,
		url:    acc.URL,
		headers: sync.OnceValues(func() (Headers, error) {
			pairs, err := t.Headers(stream)
			if err != nil {
				return Headers{}, err
			}
			return NewHeaders(pairs...), nil
		}),
		ctx:    ctx,
		cancel: cancel,
		conn:   c,
		stream: stream,
	}
	if acc.Method != "GET" && acc.Method != "HEAD" {
		r.body = StreamFromResource(t, stream, false)
	}
	return r
}

// Method returns the request method.
func (r *Request) Method() string { return r.method }

// URL returns the absolute request URL.
func (r *Request) URL() string { return r.url }

// Path returns the path of the request URL, or "" if it does not parse.
func (r *Request) Path() string {
	u, err := url.Parse(r.url)
	if err != nil {
		return ""
	}
	return u.Path
}

// Headers returns a copy of the request headers.
func (r *Request) Headers() (Headers, error) {
	h, err := r.headers()
	if err != nil {
		return Headers{}, err
	}
	return h.Clone(), nil
}

// Header returns the first value of the named header, or "" when absent or
// when the headers could not be fetched.
func (r *Request) Header(name string) string {
	v, _ := r.lookup(name)
	return v
}

func (r *Request) lookup(name string) (string, bool) {
	h, err := r.headers()
	if err != nil {
		return "", false
	}
	return h.Lookup(name)
}

// Body returns the request body stream. It is nil for GET and HEAD.
func (r *Request) Body() *ReadableStream { return r.body }

// Context returns the request context. It is cancelled once the response
// is finished or the connection is closed.
func (r *Request) Context() context.Context { return r.ctx }

// Conn returns the connection the request arrived on, or nil.
func (r *Request) Conn() *Conn { return r.conn }
