package h2

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/albertbausili/httpconn/internal/native"
	"github.com/albertbausili/httpconn/internal/resource"
)

var (
	errHeadersSent    = errors.New("h2: response headers already sent")
	errHeadersPending = errors.New("h2: response headers not sent")
	errStreamDone     = errors.New("h2: response already finished")
)

// Stream is one HTTP/2 request stream. Its methods are called from the
// session goroutines while the http2 handler goroutine waits on finished.
type Stream struct {
	w   http.ResponseWriter
	rc  *http.ResponseController
	r   *http.Request
	cfg Config

	headers [][2]string

	mu       sync.Mutex
	headSent bool
	done     bool
	abort    bool
	finished chan struct{}
}

var (
	_ native.HeaderSource   = (*Stream)(nil)
	_ native.ResponseWriter = (*Stream)(nil)
	_ native.ResourceWriter = (*Stream)(nil)
	_ native.Upgrader       = (*Stream)(nil)
)

func newStream(w http.ResponseWriter, r *http.Request, cfg Config) *Stream {
	return &Stream{
		w:        w,
		rc:       http.NewResponseController(w),
		r:        r,
		cfg:      cfg,
		headers:  requestHeaders(r),
		finished: make(chan struct{}),
	}
}

// requestHeaders flattens r.Header into a lowercased, name sorted list with
// the authority first.
func requestHeaders(r *http.Request) [][2]string {
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([][2]string, 0, len(names)+1)
	if r.Host != "" && r.Header.Get("Host") == "" {
		out = append(out, [2]string{"host", r.Host})
	}
	for _, name := range names {
		lower := strings.ToLower(name)
		for _, v := range r.Header[name] {
			out = append(out, [2]string{lower, v})
		}
	}
	return out
}

// Name implements resource.Resource.
func (s *Stream) Name() string { return "http2Stream" }

// RequestHeaders implements native.HeaderSource.
func (s *Stream) RequestHeaders() [][2]string { return s.headers }

// Read reads the request body.
func (s *Stream) Read(p []byte) (int, error) {
	return s.r.Body.Read(p)
}

// WriteHead implements native.ResponseWriter.
func (s *Stream) WriteHead(ctx context.Context, h native.ResponseHead) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	status := h.Status
	if status == 0 {
		status = http.StatusOK
	}
	if status == http.StatusSwitchingProtocols {
		return native.New("write_headers", native.KindNotSupported, "protocol upgrades are not available over HTTP/2")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.done:
		return errStreamDone
	case s.headSent:
		return errHeadersSent
	}

	hdr := s.w.Header()
	for _, kv := range h.Headers {
		if isConnectionSpecific(kv[0]) {
			continue
		}
		hdr.Add(kv[0], kv[1])
	}
	s.headSent = true
	s.w.WriteHeader(status)

	if h.Streaming {
		return s.rc.Flush()
	}
	var err error
	if len(h.Body) > 0 && s.r.Method != http.MethodHead {
		err = s.writeLocked(h.Body)
	}
	s.finishLocked()
	return err
}

// isConnectionSpecific reports headers that HTTP/2 forbids.
func isConnectionSpecific(name string) bool {
	switch name {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
		return true
	}
	return false
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
	if len(p) == 0 {
		return nil
	}
	if err := s.writeLocked(p); err != nil {
		return err
	}
	return s.rc.Flush()
}

// WriteFrom implements native.ResourceWriter. s.mu is held per chunk so a
// blocked source does not stall abandon.
func (s *Stream) WriteFrom(ctx context.Context, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	err := s.writableLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	buf := make([]byte, 32<<10)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if werr := s.WriteChunk(ctx, buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// Shutdown implements native.ResponseWriter.
func (s *Stream) Shutdown(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	if !s.headSent {
		return errHeadersPending
	}
	s.finishLocked()
	return nil
}

// Close aborts the exchange if it has not finished.
func (s *Stream) Close() error {
	s.abandon()
	return nil
}

// UpgradeRaw implements native.Upgrader.
func (s *Stream) UpgradeRaw(context.Context) (resource.Resource, native.ConnKind, []byte, error) {
	return nil, 0, nil, native.New("upgrade", native.KindNotSupported, "HTTP/2 streams cannot be upgraded")
}

// UpgradeWebSocket implements native.Upgrader.
func (s *Stream) UpgradeWebSocket(context.Context) (resource.Resource, error) {
	return nil, native.New("upgrade_websocket", native.KindNotSupported, "HTTP/2 streams cannot be upgraded")
}

func (s *Stream) abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.abort = true
	s.finishLocked()
}

func (s *Stream) aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abort
}

func (s *Stream) writableLocked() error {
	switch {
	case s.done:
		return errStreamDone
	case !s.headSent:
		return errHeadersPending
	}
	return nil
}

func (s *Stream) writeLocked(p []byte) error {
	s.setWriteDeadline()
	_, err := s.w.Write(p)
	return err
}

func (s *Stream) setWriteDeadline() {
	if s.cfg.WriteTimeout > 0 {
		_ = s.rc.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
}

func (s *Stream) finishLocked() {
	if s.done {
		return
	}
	s.done = true
	close(s.finished)
}
