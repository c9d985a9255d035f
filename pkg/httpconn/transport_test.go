package httpconn

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/albertbausili/httpconn/internal/native"
)

// call is one recorded transport op.
type call struct {
	op   string
	rid  native.RID
	src  native.RID
	head native.ResponseHead
	data []byte
	code int
}

type acceptResult struct {
	acc *native.Accepted
	err error
}

// fakeTransport records every op and serves canned results.
type fakeTransport struct {
	mu          sync.Mutex
	calls       []call
	accepts     []acceptResult
	headers     map[native.RID][][2]string
	headerCalls int
	readers     map[native.RID]*bytes.Buffer
	closed      map[native.RID]int

	writeHeadersErr  error
	writeErr         error
	writeResourceErr error
	shutdownErr      error
	upgrade          *native.RawUpgrade
	upgradeErr       error
	wsRID            native.RID
	events           chan native.WebSocketEvent
	nextRID          native.RID
	onClose          func(native.RID)
}

var _ native.Transport = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		headers: make(map[native.RID][][2]string),
		readers: make(map[native.RID]*bytes.Buffer),
		closed:  make(map[native.RID]int),
		events:  make(chan native.WebSocketEvent, 16),
		wsRID:   70,
		nextRID: 100,
	}
}

func (f *fakeTransport) queue(acc *native.Accepted) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepts = append(f.accepts, acceptResult{acc: acc})
}

func (f *fakeTransport) queueErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepts = append(f.accepts, acceptResult{err: err})
}

func (f *fakeTransport) setBody(rid native.RID, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readers[rid] = bytes.NewBufferString(data)
}

func (f *fakeTransport) record(c call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

// ops returns the op names recorded since the last reset.
func (f *fakeTransport) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.op)
	}
	return out
}

func (f *fakeTransport) find(op string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *fakeTransport) closeCount(rid native.RID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[rid]
}

func (f *fakeTransport) Accept(_ context.Context, conn native.RID) (*native.Accepted, error) {
	f.record(call{op: "accept", rid: conn})
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.accepts) == 0 {
		return nil, nil
	}
	next := f.accepts[0]
	f.accepts = f.accepts[1:]
	return next.acc, next.err
}

func (f *fakeTransport) Headers(stream native.RID) ([][2]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headerCalls++
	return f.headers[stream], nil
}

func (f *fakeTransport) Read(ctx context.Context, rid native.RID, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, native.Wrap("read", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.readers[rid]
	if !ok {
		return 0, io.EOF
	}
	return r.Read(p)
}

func (f *fakeTransport) Write(_ context.Context, rid native.RID, p []byte) error {
	f.record(call{op: "write", rid: rid, data: append([]byte(nil), p...)})
	return f.writeErr
}

func (f *fakeTransport) WriteHeaders(_ context.Context, stream native.RID, head native.ResponseHead) error {
	f.record(call{op: "write_headers", rid: stream, head: head})
	return f.writeHeadersErr
}

func (f *fakeTransport) WriteResource(_ context.Context, stream, src native.RID) error {
	f.record(call{op: "write_resource", rid: stream, src: src})
	return f.writeResourceErr
}

func (f *fakeTransport) Shutdown(_ context.Context, stream native.RID) error {
	f.record(call{op: "shutdown", rid: stream})
	return f.shutdownErr
}

func (f *fakeTransport) Upgrade(_ context.Context, stream native.RID) (*native.RawUpgrade, error) {
	f.record(call{op: "upgrade", rid: stream})
	return f.upgrade, f.upgradeErr
}

func (f *fakeTransport) UpgradeWebSocket(_ context.Context, stream native.RID) (native.RID, error) {
	f.record(call{op: "upgrade_websocket", rid: stream})
	return f.wsRID, nil
}

func (f *fakeTransport) NextEvent(ctx context.Context, ws native.RID) (native.WebSocketEvent, error) {
	select {
	case ev, ok := <-f.events:
		if !ok {
			return native.WebSocketEvent{Kind: native.EventClose, Code: CloseAbnormal}, nil
		}
		return ev, nil
	case <-ctx.Done():
		return native.WebSocketEvent{}, native.Wrap("ws_next_event", ctx.Err())
	}
}

func (f *fakeTransport) Send(_ context.Context, ws native.RID, msg native.WebSocketMessage) error {
	f.record(call{op: "ws_send", rid: ws, data: msg.Data, code: int(msg.Kind)})
	return nil
}

func (f *fakeTransport) CloseWebSocket(_ context.Context, ws native.RID, code int, reason string) error {
	f.record(call{op: "ws_close", rid: ws, code: code, data: []byte(reason)})
	return nil
}

func (f *fakeTransport) Add(io.Closer) native.RID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRID++
	return f.nextRID
}

func (f *fakeTransport) Close(rid native.RID) error {
	f.record(call{op: "close", rid: rid})
	f.mu.Lock()
	f.closed[rid]++
	hook := f.onClose
	f.mu.Unlock()
	if hook != nil {
		hook(rid)
	}
	return nil
}
