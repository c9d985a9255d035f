package native

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/albertbausili/httpconn/internal/resource"
)

// copyBufferSize is the chunk size used when a stream cannot copy a
// resource on its own.
const copyBufferSize = 64 << 10

var copyBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, copyBufferSize)
		return &b
	},
}

// Dispatcher implements Transport over a resource table. Each op looks up
// the addressed resource and calls the matching capability on it.
type Dispatcher struct {
	table  *resource.Table
	logger *zap.Logger
}

var _ Transport = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher over table.
func NewDispatcher(table *resource.Table, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{table: table, logger: logger}
}

// Table returns the underlying resource table.
func (d *Dispatcher) Table() *resource.Table {
	return d.table
}

// capability looks up rid and asserts it implements T.
func capability[T any](d *Dispatcher, op string, rid RID) (T, error) {
	var zero T
	r, ok := d.table.Get(rid)
	if !ok {
		return zero, New(op, KindBadResource, "bad resource id")
	}
	c, ok := r.(T)
	if !ok {
		return zero, New(op, KindBadResource, fmt.Sprintf("resource %q does not support %s", r.Name(), op))
	}
	return c, nil
}

// Accept implements Transport.
func (d *Dispatcher) Accept(ctx context.Context, conn RID) (*Accepted, error) {
	a, err := capability[Acceptor](d, "accept", conn)
	if err != nil {
		return nil, err
	}
	in, err := a.Accept(ctx)
	if err != nil {
		return nil, Wrap("accept", err)
	}
	if in == nil {
		return nil, nil
	}
	id := d.table.Add(in.Stream)
	d.logger.Debug("stream accepted",
		zap.Uint32("conn", uint32(conn)),
		zap.Uint32("stream", uint32(id)),
		zap.String("method", in.Method),
		zap.String("url", in.URL))
	return &Accepted{Stream: id, Method: in.Method, URL: in.URL}, nil
}

// Headers implements Transport.
func (d *Dispatcher) Headers(stream RID) ([][2]string, error) {
	h, err := capability[HeaderSource](d, "headers", stream)
	if err != nil {
		return nil, err
	}
	return h.RequestHeaders(), nil
}

// Read implements Transport.
func (d *Dispatcher) Read(ctx context.Context, rid RID, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, Wrap("read", err)
	}
	r, err := capability[io.Reader](d, "read", rid)
	if err != nil {
		return 0, err
	}
	if dl, ok := r.(readDeadliner); ok {
		defer bindDeadline(ctx, dl.SetReadDeadline)()
	}
	n, err := r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, Wrap("read", err)
	}
	return n, err
}

// Write implements Transport. Stream resources frame the chunk as body data;
// any other writable resource receives the bytes as is.
func (d *Dispatcher) Write(ctx context.Context, rid RID, p []byte) error {
	r, ok := d.table.Get(rid)
	if !ok {
		return New("write", KindBadResource, "bad resource id")
	}
	switch w := r.(type) {
	case ResponseWriter:
		return Wrap("write", w.WriteChunk(ctx, p))
	case io.Writer:
		if err := ctx.Err(); err != nil {
			return Wrap("write", err)
		}
		if dl, ok := w.(writeDeadliner); ok {
			defer bindDeadline(ctx, dl.SetWriteDeadline)()
		}
		_, err := w.Write(p)
		return Wrap("write", err)
	default:
		return New("write", KindBadResource, fmt.Sprintf("resource %q is not writable", r.Name()))
	}
}

// WriteHeaders implements Transport.
func (d *Dispatcher) WriteHeaders(ctx context.Context, stream RID, head ResponseHead) error {
	w, err := capability[ResponseWriter](d, "write_headers", stream)
	if err != nil {
		return err
	}
	return Wrap("write_headers", w.WriteHead(ctx, head))
}

// WriteResource implements Transport.
func (d *Dispatcher) WriteResource(ctx context.Context, stream, src RID) error {
	w, err := capability[ResponseWriter](d, "write_resource", stream)
	if err != nil {
		return err
	}
	r, err := capability[io.Reader](d, "write_resource", src)
	if err != nil {
		return err
	}
	if rw, ok := w.(ResourceWriter); ok {
		return Wrap("write_resource", rw.WriteFrom(ctx, r))
	}

	bufPtr := copyBufPool.Get().(*[]byte)
	defer copyBufPool.Put(bufPtr)
	buf := *bufPtr
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if werr := w.WriteChunk(ctx, buf[:n]); werr != nil {
				return Wrap("write_resource", werr)
			}
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return Wrap("write_resource", rerr)
		}
	}
}

// Shutdown implements Transport.
func (d *Dispatcher) Shutdown(ctx context.Context, stream RID) error {
	w, err := capability[ResponseWriter](d, "shutdown", stream)
	if err != nil {
		return err
	}
	return Wrap("shutdown", w.Shutdown(ctx))
}

// Upgrade implements Transport.
func (d *Dispatcher) Upgrade(ctx context.Context, stream RID) (*RawUpgrade, error) {
	u, err := capability[Upgrader](d, "upgrade", stream)
	if err != nil {
		return nil, err
	}
	conn, kind, readBuf, err := u.UpgradeRaw(ctx)
	if err != nil {
		return nil, Wrap("upgrade", err)
	}
	id := d.table.Add(conn)
	return &RawUpgrade{Kind: kind, Conn: id, ReadBuf: readBuf}, nil
}

// UpgradeWebSocket implements Transport.
func (d *Dispatcher) UpgradeWebSocket(ctx context.Context, stream RID) (RID, error) {
	u, err := capability[Upgrader](d, "upgrade_websocket", stream)
	if err != nil {
		return 0, err
	}
	ws, err := u.UpgradeWebSocket(ctx)
	if err != nil {
		return 0, Wrap("upgrade_websocket", err)
	}
	return d.table.Add(ws), nil
}

// NextEvent implements Transport.
func (d *Dispatcher) NextEvent(ctx context.Context, ws RID) (WebSocketEvent, error) {
	ch, err := capability[WebSocketChannel](d, "ws_next_event", ws)
	if err != nil {
		return WebSocketEvent{}, err
	}
	ev, err := ch.NextEvent(ctx)
	return ev, Wrap("ws_next_event", err)
}

// Send implements Transport.
func (d *Dispatcher) Send(ctx context.Context, ws RID, msg WebSocketMessage) error {
	ch, err := capability[WebSocketChannel](d, "ws_send", ws)
	if err != nil {
		return err
	}
	return Wrap("ws_send", ch.Send(ctx, msg))
}

// CloseWebSocket implements Transport.
func (d *Dispatcher) CloseWebSocket(ctx context.Context, ws RID, code int, reason string) error {
	ch, err := capability[WebSocketChannel](d, "ws_close", ws)
	if err != nil {
		return err
	}
	return Wrap("ws_close", ch.CloseWebSocket(ctx, code, reason))
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// bindDeadline applies ctx's deadline through set and forces an immediate
// deadline when ctx is cancelled. The returned func clears both.
func bindDeadline(ctx context.Context, set func(time.Time) error) func() {
	if d, ok := ctx.Deadline(); ok {
		_ = set(d)
	}
	stop := context.AfterFunc(ctx, func() { _ = set(aLongTimeAgo) })
	return func() {
		stop()
		_ = set(time.Time{})
	}
}

var aLongTimeAgo = time.Unix(1, 0)

// Add implements Transport.
func (d *Dispatcher) Add(r io.Closer) RID {
	if res, ok := r.(resource.Resource); ok {
		return d.table.Add(res)
	}
	return d.table.Add(&closerResource{c: r})
}

// Close implements Transport.
func (d *Dispatcher) Close(rid RID) error {
	return Wrap("close", d.table.Close(rid))
}

// closerResource adapts a plain io.Closer, keeping Read/Write reachable.
type closerResource struct {
	c io.Closer
}

func (r *closerResource) Name() string { return fmt.Sprintf("%T", r.c) }

func (r *closerResource) Close() error { return r.c.Close() }

func (r *closerResource) Read(p []byte) (int, error) {
	if rd, ok := r.c.(io.Reader); ok {
		return rd.Read(p)
	}
	return 0, New("read", KindBadResource, "resource is not readable")
}

func (r *closerResource) Write(p []byte) (int, error) {
	if w, ok := r.c.(io.Writer); ok {
		return w.Write(p)
	}
	return 0, New("write", KindBadResource, "resource is not writable")
}
