package h1

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/albertbausili/httpconn/internal/native"
)

// DefaultMaxHeaderBytes bounds the request line plus headers.
const DefaultMaxHeaderBytes = 1 << 20

// aLongTimeAgo is a deadline in the past used to unblock pending reads.
var aLongTimeAgo = time.Unix(1, 0)

// Config holds the per-connection settings.
type Config struct {
	// MaxHeaderBytes bounds a request head. Zero means DefaultMaxHeaderBytes.
	MaxHeaderBytes int
	// ReadTimeout is how long an idle connection waits for the next request.
	ReadTimeout time.Duration
	// WriteTimeout bounds each write to the peer.
	WriteTimeout time.Duration
	// Scheme used to build request URLs. Defaults to "https" over TLS.
	Scheme string
	Logger *zap.Logger
}

func (c *Config) normalize(nc net.Conn) {
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if c.Scheme == "" {
		c.Scheme = "http"
		if _, ok := nc.(*tls.Conn); ok {
			c.Scheme = "https"
		}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// NewReader returns a buffered reader sized for request heads. Callers that
// sniff the first bytes of a connection hand the same reader to Open.
func NewReader(nc net.Conn, cfg Config) *bufio.Reader {
	size := cfg.MaxHeaderBytes
	if size <= 0 {
		size = DefaultMaxHeaderBytes
	}
	return bufio.NewReaderSize(nc, size)
}

// Conn is the connection resource. It parses one request at a time and
// hands each out as a Stream; the next request is only read once the
// previous response has finished.
type Conn struct {
	nc     net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer
	cfg    Config
	parser *Parser
	req    Request

	mu        sync.Mutex
	current   *Stream
	keepAlive bool
	closed    bool
	hijacked  bool
}

var (
	_ native.Acceptor = (*Conn)(nil)
	_ native.Upgrader = (*Stream)(nil)
)

// Open wraps nc. br may be nil or a reader obtained from NewReader that has
// already been peeked.
func Open(nc net.Conn, br *bufio.Reader, cfg Config) *Conn {
	cfg.normalize(nc)
	if br == nil {
		br = NewReader(nc, cfg)
	}
	return &Conn{
		nc:        nc,
		br:        br,
		bw:        bufio.NewWriterSize(nc, 16<<10),
		cfg:       cfg,
		parser:    NewParser(),
		keepAlive: true,
	}
}

// Name implements resource.Resource.
func (c *Conn) Name() string { return "httpConn" }

// Close closes the underlying connection unless it has been handed off.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	hijacked := c.hijacked
	c.mu.Unlock()

	if hijacked {
		return nil
	}
	return c.nc.Close()
}

// Accept waits for the previous exchange to finish, then reads the next
// request head. It returns (nil, nil) once no further requests will be read.
func (c *Conn) Accept(ctx context.Context) (*native.Incoming, error) {
	c.mu.Lock()
	if c.closed || c.hijacked {
		c.mu.Unlock()
		return nil, nil
	}
	prev := c.current
	c.mu.Unlock()

	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	done := c.closed || c.hijacked || !c.keepAlive
	c.mu.Unlock()
	if done {
		return nil, nil
	}

	req, err := c.readRequest(ctx)
	if err != nil || req == nil {
		return nil, err
	}

	s := newStream(c, req)
	c.mu.Lock()
	c.current = s
	c.mu.Unlock()

	c.cfg.Logger.Debug("h1 request",
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.Bool("keep_alive", req.KeepAlive))

	return &native.Incoming{Stream: s, Method: req.Method, URL: c.requestURL(req)}, nil
}

// readRequest parses the next request head. A clean EOF or an idle timeout
// before any byte arrived ends the connection with (nil, nil).
func (c *Conn) readRequest(ctx context.Context) (*Request, error) {
	if c.cfg.ReadTimeout > 0 {
		_ = c.nc.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	} else {
		_ = c.nc.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.nc.SetReadDeadline(aLongTimeAgo)
	})
	defer func() {
		stop()
		_ = c.nc.SetReadDeadline(time.Time{})
	}()

	for {
		if buffered := c.br.Buffered(); buffered > 0 {
			buf, _ := c.br.Peek(buffered)
			c.parser.Reset(buf)
			n, err := c.parser.ParseRequest(&c.req)
			if err != nil {
				c.reject(http.StatusBadRequest)
				return nil, fmt.Errorf("h1: malformed request: %w", err)
			}
			if n > 0 {
				_, _ = c.br.Discard(n)
				return c.req.Clone(), nil
			}
			if buffered >= c.cfg.MaxHeaderBytes || buffered >= c.br.Size() {
				c.reject(http.StatusRequestHeaderFieldsTooLarge)
				return nil, errors.New("h1: request head too large")
			}
		}

		if _, err := c.br.Peek(c.br.Buffered() + 1); err != nil {
			return nil, c.readError(ctx, err)
		}
	}
}

// readError maps a failed read while waiting for a request head.
func (c *Conn) readError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	partial := c.br.Buffered() > 0
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF) && !partial:
		return nil
	case errors.As(err, &ne) && ne.Timeout() && !partial:
		c.cfg.Logger.Debug("h1 idle timeout")
		return nil
	case errors.Is(err, net.ErrClosed):
		return native.New("accept", native.KindConnectionClosed, "connection closed")
	case errors.Is(err, io.EOF):
		return fmt.Errorf("h1: %w", io.ErrUnexpectedEOF)
	default:
		return err
	}
}

// reject writes a bodyless error response and stops reading.
func (c *Conn) reject(status int) {
	c.mu.Lock()
	c.keepAlive = false
	c.mu.Unlock()

	bufPtr := headBufferPool.Get().(*[]byte)
	buf, _ := appendHead((*bufPtr)[:0], &head{status: status})
	c.setWriteDeadline()
	_, _ = c.bw.Write(buf)
	_ = c.bw.Flush()
	releaseHead(bufPtr, buf)
}

func (c *Conn) setWriteDeadline() {
	if c.cfg.WriteTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
}

func (c *Conn) requestURL(req *Request) string {
	if strings.HasPrefix(req.Path, "http://") || strings.HasPrefix(req.Path, "https://") {
		return req.Path
	}
	host := req.Host
	if host == "" {
		host = c.nc.LocalAddr().String()
	}
	return c.cfg.Scheme + "://" + host + req.Path
}

func (c *Conn) keepAliveAllowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepAlive && !c.closed
}

// finished is called by a stream once its response is complete.
func (c *Conn) finished(keepAlive bool) {
	c.mu.Lock()
	if !keepAlive {
		c.keepAlive = false
	}
	c.mu.Unlock()
}

// hijack hands the connection over. Pending output is flushed and the
// bytes already read past the request head are returned.
func (c *Conn) hijack() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, native.New("upgrade", native.KindBadResource, "connection closed")
	}
	if c.hijacked {
		return nil, errors.New("h1: connection already upgraded")
	}
	c.hijacked = true
	if err := c.bw.Flush(); err != nil {
		return nil, err
	}
	_ = c.nc.SetDeadline(time.Time{})

	var readBuf []byte
	if n := c.br.Buffered(); n > 0 {
		b, _ := c.br.Peek(n)
		readBuf = append([]byte(nil), b...)
		_, _ = c.br.Discard(n)
	}
	return readBuf, nil
}

// kind reports which raw connection type an upgrade yields.
func (c *Conn) kind() native.ConnKind {
	switch nc := c.nc.(type) {
	case *tls.Conn:
		return native.ConnTLS
	case *net.UnixConn:
		return native.ConnUnix
	default:
		if nc.LocalAddr() != nil && strings.HasPrefix(nc.LocalAddr().Network(), "unix") {
			return native.ConnUnix
		}
		return native.ConnTCP
	}
}

func releaseHead(bufPtr *[]byte, buf []byte) {
	if cap(buf) <= maxPooledHead {
		*bufPtr = buf[:0]
		headBufferPool.Put(bufPtr)
	}
}
