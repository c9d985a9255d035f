// Package engine runs a gnet event loop behind a net.Listener so that the
// blocking connection transports can be served from gnet's accept path.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"
	"go.uber.org/zap"
)

// ErrClosed is returned by Accept after Close.
var ErrClosed = errors.New("engine: listener closed")

// acceptBacklog bounds connections opened but not yet accepted.
const acceptBacklog = 1024

// defaultMaxBuffered is the per-connection inbound high-water mark.
const defaultMaxBuffered = 1 << 20

// overloaded is written to connections rejected by the connection limit.
var overloaded = []byte("HTTP/1.1 503 Service Unavailable\r\n" +
	"content-type: text/plain\r\n" +
	"content-length: 19\r\n" +
	"connection: close\r\n" +
	"\r\n" +
	"Service Unavailable")

// Options configures the event loop.
type Options struct {
	Multicore      bool
	NumEventLoop   int
	ReusePort      bool
	MaxConnections uint32
	// MaxBuffered caps inbound bytes held for a connection whose reader is
	// behind. Past it, delivery stops until the reader drains half of it;
	// a connection whose event-loop backlog also exceeds it is closed.
	MaxBuffered int
	Logger      *zap.Logger
}

// Listener accepts connections from a gnet engine.
type Listener struct {
	gnet.BuiltinEventEngine

	addr   net.Addr
	opts   Options
	logger *zap.Logger

	conns  chan *conn
	booted chan struct{}
	runErr chan error
	done   chan struct{}

	engine      gnet.Engine
	activeConns atomic.Int32
	closeOnce   sync.Once
}

var _ net.Listener = (*Listener)(nil)

// Listen starts an event loop on the TCP address addr and returns once it
// is accepting connections.
func Listen(addr string, opts Options) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxBuffered <= 0 {
		opts.MaxBuffered = defaultMaxBuffered
	}
	l := &Listener{
		addr:   tcpAddr,
		opts:   opts,
		logger: opts.Logger,
		conns:  make(chan *conn, acceptBacklog),
		booted: make(chan struct{}),
		runErr: make(chan error, 1),
		done:   make(chan struct{}),
	}

	options := []gnet.Option{
		gnet.WithMulticore(opts.Multicore),
		gnet.WithReusePort(opts.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithTCPKeepAlive(time.Minute * 30),
		gnet.WithLogger(l.logger.Sugar()),
		gnet.WithLockOSThread(false),
		gnet.WithReadBufferCap(64 << 10),
		gnet.WithWriteBufferCap(64 << 10),
		gnet.WithLoadBalancing(gnet.RoundRobin),
	}
	if opts.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(opts.NumEventLoop))
	} else if opts.Multicore {
		options = append(options, gnet.WithNumEventLoop(runtime.NumCPU()))
	}

	go func() {
		l.runErr <- gnet.Run(l, "tcp://"+addr, options...)
	}()

	select {
	case <-l.booted:
		l.logger.Info("gnet listener started",
			zap.String("addr", tcpAddr.String()),
			zap.Bool("multicore", opts.Multicore))
		return l, nil
	case err := <-l.runErr:
		if err == nil {
			err = errors.New("engine stopped before boot")
		}
		return nil, fmt.Errorf("engine: listen %s: %w", addr, err)
	}
}

// Accept implements net.Listener.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	}
}

// Close stops the event loop. Connections already accepted are closed by
// the engine.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = l.engine.Stop(ctx)
		l.logger.Info("gnet listener stopped", zap.String("addr", l.addr.String()))
	})
	return err
}

// Addr implements net.Listener.
func (l *Listener) Addr() net.Addr { return l.addr }

// ActiveConns reports the number of open connections.
func (l *Listener) ActiveConns() int { return int(l.activeConns.Load()) }

// OnBoot is called when the engine is ready to accept connections.
func (l *Listener) OnBoot(eng gnet.Engine) gnet.Action {
	l.engine = eng
	close(l.booted)
	return gnet.None
}

// OnOpen hands the new connection to Accept, or rejects it when the
// connection limit or the accept backlog is exhausted.
func (l *Listener) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	if limit := l.opts.MaxConnections; limit > 0 && uint32(l.activeConns.Load()) >= limit {
		l.logger.Warn("connection rejected: too many connections",
			zap.String("remote", c.RemoteAddr().String()),
			zap.Uint32("limit", limit))
		return l.reject(c)
	}

	nc := newConn(c, l.opts.MaxBuffered)
	c.SetContext(nc)
	select {
	case l.conns <- nc:
	case <-l.done:
		c.SetContext(nil)
		return nil, gnet.Close
	default:
		c.SetContext(nil)
		l.logger.Warn("connection rejected: accept backlog full",
			zap.String("remote", c.RemoteAddr().String()))
		return l.reject(c)
	}
	l.activeConns.Add(1)
	return nil, gnet.None
}

func (l *Listener) reject(c gnet.Conn) ([]byte, gnet.Action) {
	_ = c.AsyncWrite(overloaded, func(c gnet.Conn, _ error) error {
		return c.Close()
	})
	return nil, gnet.None
}

// OnClose wakes any reader blocked on the connection.
func (l *Listener) OnClose(c gnet.Conn, err error) gnet.Action {
	if nc, ok := c.Context().(*conn); ok {
		l.activeConns.Add(-1)
		nc.remoteClosed(err)
	}
	if err != nil {
		l.logger.Debug("connection closed with error",
			zap.String("remote", c.RemoteAddr().String()),
			zap.Error(err))
	}
	return gnet.None
}

// OnTraffic moves inbound bytes to the connection's read buffer, up to its
// high-water mark. The rest stays in the event loop until the reader drains.
func (l *Listener) OnTraffic(c gnet.Conn) gnet.Action {
	nc, ok := c.Context().(*conn)
	if !ok {
		return gnet.Close
	}
	pending := c.InboundBuffered()
	if pending == 0 {
		return gnet.None
	}
	n := min(nc.room(), pending)
	if n > 0 {
		buf, err := c.Next(n)
		if err != nil {
			l.logger.Debug("read from event loop failed", zap.Error(err))
			return gnet.Close
		}
		nc.deliver(buf)
	}
	if left := pending - n; left > 0 {
		if left > l.opts.MaxBuffered {
			l.logger.Warn("connection closed: reader too slow",
				zap.String("remote", c.RemoteAddr().String()),
				zap.Int("buffered", left))
			return gnet.Close
		}
		if !nc.stall() {
			_ = c.Wake(nil)
		}
	}
	return gnet.None
}
