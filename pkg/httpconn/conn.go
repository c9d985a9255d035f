package httpconn

import (
	"context"
	"errors"
	"iter"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/albertbausili/httpconn/internal/native"
)

// tracerName is the instrumentation scope of responder spans.
const tracerName = "github.com/albertbausili/httpconn"

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the connection logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracerProvider sets the provider of responder spans. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Conn) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithBaseContext sets the parent of every request context.
func WithBaseContext(ctx context.Context) Option {
	return func(c *Conn) {
		if ctx != nil {
			c.base = ctx
		}
	}
}

// WithWebSocketIdleTimeout sets the idle timeout used by UpgradeWebSocket
// when the options leave it zero.
func WithWebSocketIdleTimeout(d time.Duration) Option {
	return func(c *Conn) { c.wsIdle = d }
}

// Conn is the session over one transport connection. It yields accepted
// requests and owns every stream resource handed out until the stream is
// answered or the session is closed.
type Conn struct {
	t      native.Transport
	rid    native.RID
	remote net.Addr
	local  net.Addr
	id     string
	logger *zap.Logger
	tracer trace.Tracer
	wsIdle time.Duration

	base   context.Context
	ctx    context.Context
	cancel context.CancelFunc

	closed  atomic.Bool
	mu      sync.Mutex
	managed map[native.RID]struct{}
	connErr error
}

// NewConn creates a session over the connection resource rid of t.
func NewConn(t native.Transport, rid native.RID, remote, local net.Addr, opts ...Option) *Conn {
	c := &Conn{
		t:       t,
		rid:     rid,
		remote:  remote,
		local:   local,
		id:      uuid.NewString(),
		logger:  zap.NewNop(),
		tracer:  otel.Tracer(tracerName),
		base:    context.Background(),
		managed: make(map[native.RID]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("conn_id", c.id))
	c.ctx, c.cancel = context.WithCancel(c.base)
	connectionsOpen.Inc()
	return c
}

// ID returns the unique id of the session.
func (c *Conn) ID() string { return c.id }

// RID returns the connection resource id.
func (c *Conn) RID() native.RID { return c.rid }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

// LocalAddr returns the local address.
func (c *Conn) LocalAddr() net.Addr { return c.local }

// Err returns the accept failure that ended the session, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connErr
}

// NextRequest waits for the next request. It returns (nil, nil) once the
// connection has no more requests, including when the peer went away or
// ctx was cancelled; the session is closed in that case. Any other accept
// failure closes the session and is returned.
func (c *Conn) NextRequest(ctx context.Context) (*RequestEvent, error) {
	if c.closed.Load() {
		return nil, nil
	}

	acc, err := c.t.Accept(ctx, c.rid)
	if err != nil {
		// Recorded before the sweep so failing responders can substitute it.
		c.mu.Lock()
		c.connErr = err
		c.mu.Unlock()
		_ = c.Close()
		if native.IsGracefulClose(err) {
			c.logger.Debug("connection finished", zap.Error(err))
			return nil, nil
		}
		c.logger.Warn("accept failed", zap.Error(err))
		return nil, err
	}
	if acc == nil {
		// Let pending response work run before the resources go away.
		runtime.Gosched()
		_ = c.Close()
		return nil, nil
	}

	if !c.track(acc.Stream) {
		_ = c.t.Close(acc.Stream)
		return nil, nil
	}
	requestsAccepted.Inc()
	c.logger.Debug("request accepted",
		zap.Uint32("stream", uint32(acc.Stream)),
		zap.String("method", acc.Method),
		zap.String("url", acc.URL))

	req := newStreamRequest(c.ctx, c, acc)
	return &RequestEvent{Request: req, conn: c, stream: acc.Stream}, nil
}

// All returns an iterator over the requests of the session. It stops after
// the last request or on the first error, which it yields.
func (c *Conn) All(ctx context.Context) iter.Seq2[*RequestEvent, error] {
	return func(yield func(*RequestEvent, error) bool) {
		for {
			ev, err := c.NextRequest(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if ev == nil || !yield(ev, nil) {
				return
			}
		}
	}
}

// Close releases the connection resource and every stream still owned by
// the session, then cancels all request contexts. It is idempotent.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	defer connectionsOpen.Dec()

	var errs []error
	if err := c.t.Close(c.rid); err != nil && !native.IsBadResource(err) {
		errs = append(errs, err)
	}
	for {
		rid, ok := c.popManaged()
		if !ok {
			break
		}
		if err := c.t.Close(rid); err != nil && !native.IsBadResource(err) {
			errs = append(errs, err)
		}
	}
	c.cancel()
	return errors.Join(errs...)
}

// Closed reports whether Close has run.
func (c *Conn) Closed() bool { return c.closed.Load() }

// ManagedCount returns the number of streams the session still owns.
func (c *Conn) ManagedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.managed)
}

func (c *Conn) track(rid native.RID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return false
	}
	c.managed[rid] = struct{}{}
	managedStreams.Inc()
	return true
}

// release removes rid from the managed set and reports whether it was there.
func (c *Conn) release(rid native.RID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.managed[rid]; !ok {
		return false
	}
	delete(c.managed, rid)
	managedStreams.Dec()
	return true
}

func (c *Conn) popManaged() (native.RID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for rid := range c.managed {
		delete(c.managed, rid)
		managedStreams.Dec()
		return rid, true
	}
	return 0, false
}

// substitute replaces a bad resource error with a copy of the failure that
// ended the session, which says why the resource went away.
func (c *Conn) substitute(err error) error {
	if !native.IsBadResource(err) {
		return err
	}
	if connErr := c.Err(); connErr != nil {
		return native.Clone(connErr)
	}
	return err
}
