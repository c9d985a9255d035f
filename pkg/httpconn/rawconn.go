package httpconn

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/albertbausili/httpconn/internal/native"
)

// RawConn is a connection handed over by UpgradeHTTP. Its I/O goes through
// the transport that owns the connection resource.
type RawConn interface {
	net.Conn
	RID() native.RID
	Kind() native.ConnKind
}

// TCPConn is an upgraded plain TCP connection.
type TCPConn struct{ rawConn }

// TLSConn is an upgraded TLS connection.
type TLSConn struct{ rawConn }

// UnixConn is an upgraded Unix socket connection.
type UnixConn struct{ rawConn }

func newRawConn(t native.Transport, kind native.ConnKind, rid native.RID, local, remote net.Addr) (RawConn, error) {
	rc := rawConn{t: t, rid: rid, kind: kind, local: local, remote: remote, state: &rawState{}}
	switch kind {
	case native.ConnTCP:
		return &TCPConn{rc}, nil
	case native.ConnTLS:
		return &TLSConn{rc}, nil
	case native.ConnUnix:
		return &UnixConn{rc}, nil
	default:
		_ = t.Close(rid)
		return nil, ErrUnreachable
	}
}

type rawState struct {
	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
	closeOnce     sync.Once
	closeErr      error
}

type rawConn struct {
	t      native.Transport
	rid    native.RID
	kind   native.ConnKind
	local  net.Addr
	remote net.Addr
	state  *rawState
}

// RID returns the connection resource id.
func (c *rawConn) RID() native.RID { return c.rid }

// Kind returns the connection kind.
func (c *rawConn) Kind() native.ConnKind { return c.kind }

func (c *rawConn) LocalAddr() net.Addr  { return c.local }
func (c *rawConn) RemoteAddr() net.Addr { return c.remote }

func (c *rawConn) Read(p []byte) (int, error) {
	c.state.mu.Lock()
	dl := c.state.readDeadline
	c.state.mu.Unlock()

	ctx, cancel := opContext(dl)
	defer cancel()
	n, err := c.t.Read(ctx, c.rid, p)
	return n, c.opError(ctx, "read", err)
}

func (c *rawConn) Write(p []byte) (int, error) {
	c.state.mu.Lock()
	dl := c.state.writeDeadline
	c.state.mu.Unlock()

	ctx, cancel := opContext(dl)
	defer cancel()
	if err := c.t.Write(ctx, c.rid, p); err != nil {
		return 0, c.opError(ctx, "write", err)
	}
	return len(p), nil
}

func (c *rawConn) Close() error {
	c.state.closeOnce.Do(func() {
		if err := c.t.Close(c.rid); err != nil && !native.IsBadResource(err) {
			c.state.closeErr = err
		}
	})
	return c.state.closeErr
}

func (c *rawConn) SetDeadline(t time.Time) error {
	c.state.mu.Lock()
	c.state.readDeadline, c.state.writeDeadline = t, t
	c.state.mu.Unlock()
	return nil
}

func (c *rawConn) SetReadDeadline(t time.Time) error {
	c.state.mu.Lock()
	c.state.readDeadline = t
	c.state.mu.Unlock()
	return nil
}

func (c *rawConn) SetWriteDeadline(t time.Time) error {
	c.state.mu.Lock()
	c.state.writeDeadline = t
	c.state.mu.Unlock()
	return nil
}

func opContext(deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.Background(), func() {}
	}
	return context.WithDeadline(context.Background(), deadline)
}

// opError maps transport failures onto the errors net.Conn users expect.
func (c *rawConn) opError(ctx context.Context, op string, err error) error {
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return err
	case errors.Is(ctx.Err(), context.DeadlineExceeded), native.IsInterrupted(err):
		err = os.ErrDeadlineExceeded
	case native.IsBadResource(err), native.KindOf(err) == native.KindConnectionClosed:
		err = net.ErrClosed
	}
	return &net.OpError{Op: op, Net: c.kind.String(), Source: c.local, Addr: c.remote, Err: err}
}
