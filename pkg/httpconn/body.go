package httpconn

import (
	"sync/atomic"
)

// Body is a response body: either a static buffer or a ReadableStream.
type Body struct {
	data     []byte
	stream   *ReadableStream
	length   int64
	blob     bool
	consumed atomic.Bool
}

// BytesBody creates a static body over b.
func BytesBody(b []byte) *Body {
	if b == nil {
		b = []byte{}
	}
	return &Body{data: b, length: int64(len(b))}
}

// StringBody creates a static body holding s.
func StringBody(s string) *Body {
	return BytesBody([]byte(s))
}

// StreamBody creates a stream body. length is the total byte count, or -1
// when unknown. A body of known length is read into a single buffer before
// it is sent.
func StreamBody(s *ReadableStream, length int64) *Body {
	if length < 0 {
		length = -1
	}
	return &Body{stream: s, length: length}
}

// BlobBody creates a stream body for an opaque large object. It is always
// streamed, whatever its size.
func BlobBody(s *ReadableStream, size int64) *Body {
	return &Body{stream: s, length: size, blob: true}
}

// Stream returns the body stream, or nil for a static body.
func (b *Body) Stream() *ReadableStream {
	return b.stream
}

// Len returns the body length in bytes, or -1 when unknown.
func (b *Body) Len() int64 {
	return b.length
}

// Unusable reports whether the body can no longer be sent: a static body
// that was already consumed, or a stream that is disturbed or locked.
func (b *Body) Unusable() bool {
	if b.stream != nil {
		return b.stream.Disturbed() || b.stream.Locked()
	}
	return b.consumed.Load()
}

// streamed reports whether the body must go out chunk by chunk.
func (b *Body) streamed() bool {
	return b.stream != nil && (b.length < 0 || b.blob)
}

// consume marks a static body as used and returns its bytes.
func (b *Body) consume() []byte {
	b.consumed.Store(true)
	return b.data
}
