// Package native defines the boundary between the connection session layer
// and the transport that performs the actual HTTP I/O. Every operation is
// addressed by RID and may block; failures are reported as *Error values.
package native

import (
	"context"
	"io"

	"github.com/albertbausili/httpconn/internal/resource"
)

// RID identifies a transport resource (connection, stream, socket, file).
type RID = resource.RID

// Accepted describes a newly accepted request stream.
type Accepted struct {
	Stream RID
	Method string
	URL    string
}

// ConnKind discriminates the raw connection handed back by an upgrade.
type ConnKind int

// Raw connection kinds.
const (
	ConnTCP ConnKind = iota + 1
	ConnTLS
	ConnUnix
)

func (k ConnKind) String() string {
	switch k {
	case ConnTCP:
		return "tcp"
	case ConnTLS:
		return "tls"
	case ConnUnix:
		return "unix"
	default:
		return "unknown"
	}
}

// RawUpgrade is the result of handing a stream's connection back to the caller.
type RawUpgrade struct {
	Kind    ConnKind
	Conn    RID
	ReadBuf []byte
}

// ResponseHead is the status line, header list and optional inline body
// sent in a single write_headers op. When Streaming is set, Body is ignored
// and the body follows through Write/WriteResource and Shutdown.
type ResponseHead struct {
	Status    int
	Headers   [][2]string
	Body      []byte
	Streaming bool
}

// EventKind classifies WebSocket events.
type EventKind int

// WebSocket event kinds.
const (
	EventText EventKind = iota + 1
	EventBinary
	EventPong
	EventClose
	EventError
)

// WebSocketEvent is one event read from an upgraded channel.
type WebSocketEvent struct {
	Kind   EventKind
	Data   []byte
	Code   int
	Reason string
	Err    error
}

// MessageKind classifies outgoing WebSocket messages.
type MessageKind int

// Outgoing message kinds.
const (
	MessageText MessageKind = iota + 1
	MessageBinary
	MessagePing
	MessagePong
)

// WebSocketMessage is one outgoing WebSocket frame.
type WebSocketMessage struct {
	Kind MessageKind
	Data []byte
}

// Transport is the set of primitive operations the session layer needs.
type Transport interface {
	// Accept waits for the next request stream on conn. It returns (nil, nil)
	// when no more requests will arrive.
	Accept(ctx context.Context, conn RID) (*Accepted, error)
	// Headers returns the request header list of stream.
	Headers(stream RID) ([][2]string, error)
	// Read reads from a readable resource (request body, file, raw conn).
	Read(ctx context.Context, rid RID, p []byte) (int, error)
	// Write writes p to a stream body or any writable resource.
	Write(ctx context.Context, rid RID, p []byte) error
	WriteHeaders(ctx context.Context, stream RID, head ResponseHead) error
	// WriteResource copies the whole of src into stream's body.
	WriteResource(ctx context.Context, stream, src RID) error
	Shutdown(ctx context.Context, stream RID) error
	Upgrade(ctx context.Context, stream RID) (*RawUpgrade, error)
	UpgradeWebSocket(ctx context.Context, stream RID) (RID, error)
	NextEvent(ctx context.Context, ws RID) (WebSocketEvent, error)
	Send(ctx context.Context, ws RID, msg WebSocketMessage) error
	CloseWebSocket(ctx context.Context, ws RID, code int, reason string) error
	// Add registers a caller-owned resource, e.g. a file used as a
	// zero-copy response body.
	Add(r io.Closer) RID
	// Close releases a resource. Closing an unknown RID fails with
	// KindBadResource.
	Close(rid RID) error
}

// Incoming is what an Acceptor yields for each request.
type Incoming struct {
	Stream resource.Resource
	Method string
	URL    string
}

// Acceptor is implemented by connection resources.
type Acceptor interface {
	Accept(ctx context.Context) (*Incoming, error)
}

// HeaderSource is implemented by request stream resources.
type HeaderSource interface {
	RequestHeaders() [][2]string
}

// ResponseWriter is implemented by request stream resources.
type ResponseWriter interface {
	WriteHead(ctx context.Context, head ResponseHead) error
	WriteChunk(ctx context.Context, p []byte) error
	Shutdown(ctx context.Context) error
}

// ResourceWriter is an optional fast path for copying a resource into a body.
type ResourceWriter interface {
	WriteFrom(ctx context.Context, r io.Reader) error
}

// Upgrader is implemented by stream resources whose connection can be
// handed off after the response head.
type Upgrader interface {
	UpgradeRaw(ctx context.Context) (resource.Resource, ConnKind, []byte, error)
	UpgradeWebSocket(ctx context.Context) (resource.Resource, error)
}

// WebSocketChannel is implemented by upgraded WebSocket resources.
type WebSocketChannel interface {
	NextEvent(ctx context.Context) (WebSocketEvent, error)
	Send(ctx context.Context, msg WebSocketMessage) error
	CloseWebSocket(ctx context.Context, code int, reason string) error
}
