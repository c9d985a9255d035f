package httpconn

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/albertbausili/httpconn/internal/native"
)

// streamChunkSize is the read size used by reader and resource sources.
const streamChunkSize = 32 << 10

var errReaderReleased = errors.New("httpconn: stream reader released")

// Source produces the chunks of a ReadableStream.
type Source interface {
	// Pull returns the next chunk, or done once the source is exhausted.
	Pull(ctx context.Context) (chunk any, done bool, err error)
	// Cancel tells the source no more chunks will be read.
	Cancel(reason error) error
}

// ResourceBacking marks a stream whose bytes live in a transport resource,
// letting the responder copy it without pulling chunks through Go.
type ResourceBacking struct {
	Transport native.Transport
	RID       native.RID
	AutoClose bool
}

// ReadableStream is a pull based chunk stream. At most one StreamReader may
// hold it at a time. Once read from or cancelled it is disturbed and can no
// longer be used as a response body.
type ReadableStream struct {
	src     Source
	backing *ResourceBacking

	mu        sync.Mutex
	locked    bool
	disturbed bool
	closed    bool
	err       error
}

// NewStream creates a stream over src.
func NewStream(src Source) *ReadableStream {
	return &ReadableStream{src: src}
}

// Locked reports whether a reader currently holds the stream.
func (s *ReadableStream) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// Disturbed reports whether the stream was ever read from or cancelled.
func (s *ReadableStream) Disturbed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disturbed
}

// Backing returns the resource behind the stream, or nil.
func (s *ReadableStream) Backing() *ResourceBacking {
	return s.backing
}

// Reader locks the stream and returns its reader.
func (s *ReadableStream) Reader() (*StreamReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return nil, ErrStreamLocked
	}
	s.locked = true
	return &StreamReader{s: s}, nil
}

// Cancel cancels an unlocked stream.
func (s *ReadableStream) Cancel(reason error) error {
	if s.Locked() {
		return ErrStreamLocked
	}
	return s.cancel(reason)
}

// ReadAll drains the stream into one buffer. Chunks must be []byte or string.
func (s *ReadableStream) ReadAll(ctx context.Context) ([]byte, error) {
	r, err := s.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Release()

	var buf bytes.Buffer
	for {
		chunk, done, err := r.Read(ctx)
		if err != nil {
			return buf.Bytes(), err
		}
		if done {
			return buf.Bytes(), nil
		}
		switch c := chunk.(type) {
		case []byte:
			buf.Write(c)
		case string:
			buf.WriteString(c)
		default:
			_ = r.Cancel(ErrNotBytes)
			return buf.Bytes(), ErrNotBytes
		}
	}
}

func (s *ReadableStream) read(ctx context.Context) (any, bool, error) {
	s.mu.Lock()
	s.disturbed = true
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return nil, false, err
	}
	if s.closed {
		s.mu.Unlock()
		return nil, true, nil
	}
	s.mu.Unlock()

	chunk, done, err := s.src.Pull(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err != nil:
		s.err = err
		return nil, false, err
	case done:
		s.closed = true
		return nil, true, nil
	}
	return chunk, false, nil
}

func (s *ReadableStream) cancel(reason error) error {
	s.mu.Lock()
	s.disturbed = true
	if s.closed || s.err != nil {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.src.Cancel(reason)
}

// markClosed closes the stream after its bytes were consumed elsewhere.
func (s *ReadableStream) markClosed() {
	s.mu.Lock()
	s.disturbed = true
	s.closed = true
	s.mu.Unlock()
}

// StreamReader is the exclusive reader of a ReadableStream.
type StreamReader struct {
	s        *ReadableStream
	released atomic.Bool
}

// Read returns the next chunk. done is true once the stream is exhausted or
// cancelled.
func (r *StreamReader) Read(ctx context.Context) (chunk any, done bool, err error) {
	if r.released.Load() {
		return nil, false, errReaderReleased
	}
	return r.s.read(ctx)
}

// Cancel cancels the underlying stream.
func (r *StreamReader) Cancel(reason error) error {
	if r.released.Load() {
		return errReaderReleased
	}
	return r.s.cancel(reason)
}

// Release unlocks the stream. It is safe to call more than once.
func (r *StreamReader) Release() {
	if !r.released.CompareAndSwap(false, true) {
		return
	}
	r.s.mu.Lock()
	r.s.locked = false
	r.s.mu.Unlock()
}

// StreamFromReader creates a stream of []byte chunks read from rd. Cancelling
// the stream closes rd when it is an io.Closer.
func StreamFromReader(rd io.Reader) *ReadableStream {
	return NewStream(&readerSource{r: rd})
}

type readerSource struct {
	r io.Reader
}

func (s *readerSource) Pull(ctx context.Context) (any, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		buf := make([]byte, streamChunkSize)
		n, err := s.r.Read(buf)
		if n > 0 {
			return buf[:n], false, nil
		}
		if errors.Is(err, io.EOF) {
			return nil, true, nil
		}
		if err != nil {
			return nil, false, err
		}
	}
}

func (s *readerSource) Cancel(error) error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// StreamFromChunks creates a stream yielding chunks in order.
func StreamFromChunks(chunks ...any) *ReadableStream {
	return NewStream(&chunkSource{chunks: chunks})
}

type chunkSource struct {
	chunks []any
}

func (s *chunkSource) Pull(context.Context) (any, bool, error) {
	if len(s.chunks) == 0 {
		return nil, true, nil
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, false, nil
}

func (s *chunkSource) Cancel(error) error {
	s.chunks = nil
	return nil
}

// StreamFromResource creates a stream reading rid through t. With autoClose
// the resource is closed once the stream ends or is cancelled.
func StreamFromResource(t native.Transport, rid native.RID, autoClose bool) *ReadableStream {
	s := NewStream(&resourceSource{t: t, rid: rid, autoClose: autoClose})
	s.backing = &ResourceBacking{Transport: t, RID: rid, AutoClose: autoClose}
	return s
}

type resourceSource struct {
	t         native.Transport
	rid       native.RID
	autoClose bool
	closeOnce sync.Once
}

func (s *resourceSource) Pull(ctx context.Context) (any, bool, error) {
	buf := make([]byte, streamChunkSize)
	for {
		n, err := s.t.Read(ctx, s.rid, buf)
		if n > 0 {
			return buf[:n], false, nil
		}
		if errors.Is(err, io.EOF) {
			s.release()
			return nil, true, nil
		}
		if err != nil {
			s.release()
			return nil, false, err
		}
	}
}

func (s *resourceSource) Cancel(error) error {
	s.release()
	return nil
}

func (s *resourceSource) release() {
	if !s.autoClose {
		return
	}
	s.closeOnce.Do(func() { _ = s.t.Close(s.rid) })
}
