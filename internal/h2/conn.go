// Package h2 provides the HTTP/2 native transport resources. Framing, flow
// control and HPACK are handled by golang.org/x/net/http2; each handler
// invocation is surfaced as an accepted stream.
package h2

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/albertbausili/httpconn/internal/native"
)

// Config holds the per-connection settings.
type Config struct {
	MaxConcurrentStreams uint32
	// IdleTimeout closes a connection with no active streams.
	IdleTimeout time.Duration
	// WriteTimeout bounds each body write.
	WriteTimeout time.Duration
	Scheme       string
	Logger       *zap.Logger
}

// Conn is the connection resource for one HTTP/2 connection.
type Conn struct {
	nc       net.Conn
	cfg      Config
	incoming chan *Stream
	done     chan struct{}

	closeOnce sync.Once
}

var _ native.Acceptor = (*Conn)(nil)

// Open starts serving nc, which must be positioned at the client preface.
func Open(nc net.Conn, cfg Config) *Conn {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
		if _, ok := nc.(*tls.Conn); ok {
			cfg.Scheme = "https"
		}
	}
	c := &Conn{
		nc:       nc,
		cfg:      cfg,
		incoming: make(chan *Stream),
		done:     make(chan struct{}),
	}

	srv := &http2.Server{
		MaxConcurrentStreams: cfg.MaxConcurrentStreams,
		IdleTimeout:          cfg.IdleTimeout,
	}
	go func() {
		defer close(c.done)
		srv.ServeConn(nc, &http2.ServeConnOpts{Handler: http.HandlerFunc(c.serve)})
		cfg.Logger.Debug("h2 connection finished", zap.String("remote", nc.RemoteAddr().String()))
	}()
	return c
}

// Name implements resource.Resource.
func (c *Conn) Name() string { return "http2Conn" }

// Close tears the connection down; ServeConn returns once its reads fail.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.nc.Close() })
	return err
}

// Accept returns the next request stream, or (nil, nil) once the
// connection has stopped serving.
func (c *Conn) Accept(ctx context.Context) (*native.Incoming, error) {
	select {
	case s := <-c.incoming:
		return &native.Incoming{Stream: s, Method: s.r.Method, URL: c.requestURL(s.r)}, nil
	case <-c.done:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// serve runs on the http2 handler goroutine until the exchange finishes.
func (c *Conn) serve(w http.ResponseWriter, r *http.Request) {
	s := newStream(w, r, c.cfg)
	select {
	case c.incoming <- s:
	case <-c.done:
		return
	case <-r.Context().Done():
		return
	}

	select {
	case <-s.finished:
	case <-r.Context().Done():
		s.abandon()
	}
	if s.aborted() {
		// Resets the stream without a response.
		panic(http.ErrAbortHandler)
	}
}

func (c *Conn) requestURL(r *http.Request) string {
	return c.cfg.Scheme + "://" + r.Host + r.URL.RequestURI()
}
