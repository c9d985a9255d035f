package h1

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/albertbausili/httpconn/internal/native"
	"github.com/albertbausili/httpconn/internal/resource"
)

var (
	errHeadersSent    = errors.New("h1: response headers already sent")
	errHeadersPending = errors.New("h1: response headers not sent")
	errStreamDone     = errors.New("h1: response already finished")
)

// Stream is one request/response exchange on a Conn.
type Stream struct {
	c    *Conn
	req  *Request
	body io.Reader

	mu        sync.Mutex
	framing   framing
	headSent  bool
	finished  bool
	upgraded  bool
	keepAlive bool

	done     chan struct{}
	doneOnce sync.Once
}

var (
	_ native.HeaderSource   = (*Stream)(nil)
	_ native.ResponseWriter = (*Stream)(nil)
	_ native.ResourceWriter = (*Stream)(nil)
)

func newStream(c *Conn, req *Request) *Stream {
	return &Stream{
		c:         c,
		req:       req,
		body:      newBodyReader(c.br, req),
		keepAlive: req.KeepAlive,
		done:      make(chan struct{}),
	}
}

// Name implements resource.Resource.
func (s *Stream) Name() string { return "httpStream" }

// RequestHeaders implements native.HeaderSource.
func (s *Stream) RequestHeaders() [][2]string { return s.req.Headers }

// Read reads the request body.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	upgraded := s.upgraded
	s.mu.Unlock()
	if upgraded {
		return 0, io.EOF
	}
	return s.body.Read(p)
}

// WriteHead implements native.ResponseWriter. Non-streaming responses are
// complete once the head is written.
func (s *Stream) WriteHead(ctx context.Context, h native.ResponseHead) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return errStreamDone
	}
	if s.headSent {
		return errHeadersSent
	}

	status := h.Status
	if status == 0 {
		status = http.StatusOK
	}
	http10 := s.req.Version != sHTTP11
	s.keepAlive = s.keepAlive && s.c.keepAliveAllowed()
	if h.Streaming && http10 && !hasHeader(h.Headers, "content-length") {
		// HTTP/1.0 peers cannot read chunked bodies; the close delimits it.
		s.keepAlive = false
	}

	bufPtr := headBufferPool.Get().(*[]byte)
	buf, fr := appendHead((*bufPtr)[:0], &head{
		status:    status,
		headers:   h.Headers,
		body:      h.Body,
		streaming: h.Streaming,
		keepAlive: s.keepAlive,
		omitBody:  s.req.Method == http.MethodHead,
		noChunked: http10,
	})
	err := s.write(buf)
	releaseHead(bufPtr, buf)
	if err != nil {
		s.keepAlive = false
		return err
	}
	s.headSent = true
	s.framing = fr

	if !h.Streaming && status != http.StatusSwitchingProtocols {
		s.finishLocked()
	}
	return nil
}

// WriteChunk implements native.ResponseWriter.
func (s *Stream) WriteChunk(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked(); err != nil {
		return err
	}
	if len(p) == 0 || s.framing == framingNone {
		return nil
	}
	if s.framing == framingChunked {
		bufPtr := headBufferPool.Get().(*[]byte)
		buf := appendChunk((*bufPtr)[:0], p)
		err := s.write(buf)
		releaseHead(bufPtr, buf)
		return err
	}
	return s.write(p)
}

// WriteFrom implements native.ResourceWriter. The body is copied through
// WriteChunk, so s.mu is only held per write and r may be s itself.
func (s *Stream) WriteFrom(ctx context.Context, r io.Reader) error {
	s.mu.Lock()
	err := s.writableLocked()
	fr := s.framing
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if fr == framingNone {
		return nil
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.c.nc.SetWriteDeadline(aLongTimeAgo)
	})
	defer stop()
	return copyBody(ctx, s, r)
}

func copyBody(ctx context.Context, s *Stream, r io.Reader) error {
	buf := make([]byte, 32<<10)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := s.WriteChunk(ctx, buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Shutdown implements native.ResponseWriter. It terminates a streamed body.
func (s *Stream) Shutdown(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return nil
	}
	if !s.headSent {
		return errHeadersPending
	}
	if s.framing == framingChunked {
		if err := s.write(chunkEnd); err != nil {
			s.keepAlive = false
			s.finishLocked()
			return err
		}
	}
	s.finishLocked()
	return nil
}

// Close aborts an unfinished exchange. The connection cannot be reused
// after a half written response.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.upgraded {
		return nil
	}
	s.keepAlive = false
	if s.headSent {
		s.c.cfg.Logger.Debug("h1 stream closed mid-response", zap.String("path", s.req.Path))
		_ = s.c.nc.Close()
	}
	s.finishLocked()
	return nil
}

func (s *Stream) writableLocked() error {
	switch {
	case s.finished:
		return errStreamDone
	case !s.headSent:
		return errHeadersPending
	}
	return nil
}

// write sends p and flushes. Called with s.mu held.
func (s *Stream) write(p []byte) error {
	s.c.setWriteDeadline()
	if _, err := s.c.bw.Write(p); err != nil {
		return err
	}
	return s.c.bw.Flush()
}

// finishLocked completes the exchange: unread body is drained so the next
// request can be parsed, and the connection is told whether to continue.
func (s *Stream) finishLocked() {
	if s.finished {
		return
	}
	s.finished = true
	if !s.upgraded && s.keepAlive {
		_ = s.c.nc.SetReadDeadline(time.Now().Add(time.Second))
		if err := drain(s.body); err != nil {
			s.keepAlive = false
		}
		_ = s.c.nc.SetReadDeadline(time.Time{})
	}
	s.c.finished(s.keepAlive)
	s.doneOnce.Do(func() { close(s.done) })
}

// UpgradeRaw implements native.Upgrader. The response head must already
// have been written.
func (s *Stream) UpgradeRaw(ctx context.Context) (resource.Resource, native.ConnKind, []byte, error) {
	readBuf, err := s.upgrade(ctx)
	if err != nil {
		return nil, 0, nil, err
	}
	kind := s.c.kind()
	return newRawConn(s.c.nc, kind), kind, readBuf, nil
}

// UpgradeWebSocket implements native.Upgrader.
func (s *Stream) UpgradeWebSocket(ctx context.Context) (resource.Resource, error) {
	readBuf, err := s.upgrade(ctx)
	if err != nil {
		return nil, err
	}
	return newWebSocket(s.c.nc, readBuf, s.c.cfg), nil
}

func (s *Stream) upgrade(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.headSent {
		return nil, errHeadersPending
	}
	if s.upgraded {
		return nil, errors.New("h1: stream already upgraded")
	}
	readBuf, err := s.c.hijack()
	if err != nil {
		return nil, err
	}
	s.upgraded = true
	s.keepAlive = false
	s.finishLocked()
	return readBuf, nil
}

func hasHeader(headers [][2]string, name string) bool {
	for _, kv := range headers {
		if kv[0] == name {
			return true
		}
	}
	return false
}
