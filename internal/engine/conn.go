package engine

import (
	"bytes"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/panjf2000/gnet/v2"
)

// conn adapts an event-loop connection to the blocking net.Conn interface.
// Inbound bytes are buffered by OnTraffic; writes are queued with
// AsyncWrite and wait for the loop to report completion.
type conn struct {
	gc gnet.Conn

	mu           sync.Mutex
	cond         *sync.Cond
	in           bytes.Buffer
	limit        int
	stalled      bool
	eof          bool
	closed       bool
	readDeadline time.Time
	readTimer    *time.Timer

	wmu           sync.Mutex
	writeDeadline time.Time
	gone          chan struct{}
	goneOnce      sync.Once
}

var _ net.Conn = (*conn)(nil)

func newConn(gc gnet.Conn, limit int) *conn {
	c := &conn{gc: gc, limit: limit, gone: make(chan struct{})}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// deliver is called from the event loop with data that is only valid for
// the duration of the call.
func (c *conn) deliver(p []byte) {
	c.mu.Lock()
	c.in.Write(p)
	c.mu.Unlock()
	c.cond.Broadcast()
}

// room reports how many more inbound bytes fit under the high-water mark.
func (c *conn) room() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return max(c.limit-c.in.Len(), 0)
}

// stall records that the event loop holds bytes Read has not been given.
// It reports false when the reader already drained below the wake mark.
func (c *conn) stall() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.in.Len() <= c.limit/2 {
		return false
	}
	c.stalled = true
	return true
}

func (c *conn) remoteClosed(error) {
	c.mu.Lock()
	c.eof = true
	c.mu.Unlock()
	c.cond.Broadcast()
	c.goneOnce.Do(func() { close(c.gone) })
}

// Read implements net.Conn. A stalled connection is woken once the buffer
// falls below half the high-water mark.
func (c *conn) Read(p []byte) (int, error) {
	c.mu.Lock()
	for c.in.Len() == 0 {
		var err error
		switch {
		case c.closed:
			err = net.ErrClosed
		case c.eof:
			err = io.EOF
		case !c.readDeadline.IsZero() && !time.Now().Before(c.readDeadline):
			err = os.ErrDeadlineExceeded
		}
		if err != nil {
			c.mu.Unlock()
			return 0, err
		}
		c.cond.Wait()
	}
	n, err := c.in.Read(p)
	wake := c.stalled && c.in.Len() <= c.limit/2
	if wake {
		c.stalled = false
	}
	c.mu.Unlock()
	if wake {
		_ = c.gc.Wake(nil)
	}
	return n, err
}

// Write implements net.Conn. The loop takes ownership of the copy.
func (c *conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.mu.Lock()
	closed := c.closed || c.eof
	deadline := c.writeDeadline
	c.mu.Unlock()
	if closed {
		return 0, net.ErrClosed
	}

	buf := append([]byte(nil), p...)
	result := make(chan error, 1)
	if err := c.gc.AsyncWrite(buf, func(_ gnet.Conn, err error) error {
		result <- err
		return nil
	}); err != nil {
		return 0, err
	}

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timeout = t.C
	}
	select {
	case err := <-result:
		if err != nil {
			return 0, err
		}
		return len(p), nil
	case <-c.gone:
		return 0, net.ErrClosed
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	}
}

// Close implements net.Conn.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.readTimer != nil {
		c.readTimer.Stop()
	}
	c.mu.Unlock()
	c.cond.Broadcast()
	return c.gc.Close()
}

// LocalAddr implements net.Conn.
func (c *conn) LocalAddr() net.Addr { return c.gc.LocalAddr() }

// RemoteAddr implements net.Conn.
func (c *conn) RemoteAddr() net.Addr { return c.gc.RemoteAddr() }

// SetDeadline implements net.Conn.
func (c *conn) SetDeadline(t time.Time) error {
	_ = c.SetReadDeadline(t)
	return c.SetWriteDeadline(t)
}

// SetReadDeadline implements net.Conn. Blocked readers are woken when the
// deadline passes.
func (c *conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	if c.readTimer != nil {
		c.readTimer.Stop()
		c.readTimer = nil
	}
	if !t.IsZero() {
		c.readTimer = time.AfterFunc(time.Until(t), c.cond.Broadcast)
	}
	c.mu.Unlock()
	c.cond.Broadcast()
	return nil
}

// SetWriteDeadline implements net.Conn.
func (c *conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}
