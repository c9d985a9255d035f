package h1

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/albertbausili/httpconn/internal/date"
)

// Pre-allocated common header fragments
var (
	statusLine200       = []byte("HTTP/1.1 200 OK\r\n")
	headerContentLength = []byte("content-length: ")
	headerConnection    = []byte("connection: ")
	headerDate          = []byte("date: ")
	headerChunked       = []byte("transfer-encoding: chunked\r\n")
	headerKeepAlive     = []byte("keep-alive\r\n")
	headerClose         = []byte("close\r\n")
	headerSep           = []byte(": ")
	crlf                = []byte("\r\n")
	chunkEnd            = []byte("0\r\n\r\n")

	// Buffer pool for response head assembly
	headBufferPool = sync.Pool{
		New: func() any {
			b := make([]byte, 0, 4096)
			return &b
		},
	}
)

// maxPooledHead keeps oversized buffers out of the pool.
const maxPooledHead = 64 << 10

// head describes one response head to be serialized.
type head struct {
	status    int
	headers   [][2]string
	body      []byte
	streaming bool
	keepAlive bool
	omitBody  bool // HEAD requests
	noChunked bool // HTTP/1.0 peers
}

// framing is the body framing chosen for a response.
type framing int

const (
	framingNone framing = iota
	framingLength
	framingChunked
	framingRaw // streamed as is, delimited by content-length or close
)

// bodyless reports whether status forbids a message body.
func bodyless(status int) bool {
	return (status >= 100 && status < 200) || status == 204 || status == 304
}

// appendHead serializes the status line, headers and, for inline bodies,
// the body itself. It returns the framing used for any body that follows.
func appendHead(buf []byte, h *head) ([]byte, framing) {
	if h.status == 200 {
		buf = append(buf, statusLine200...)
	} else {
		buf = append(buf, "HTTP/1.1 "...)
		buf = strconv.AppendInt(buf, int64(h.status), 10)
		buf = append(buf, ' ')
		buf = append(buf, statusText(h.status)...)
		buf = append(buf, crlf...)
	}

	hasDate, hasLength, hasConnection := false, false, false
	for _, kv := range h.headers {
		switch kv[0] {
		case "date":
			hasDate = true
		case "content-length":
			hasLength = true
		case "connection":
			hasConnection = true
		}
	}

	if !hasDate {
		buf = append(buf, headerDate...)
		buf = append(buf, date.Current()...)
		buf = append(buf, crlf...)
	}

	fr := framingNone
	switch {
	case bodyless(h.status):
	case h.streaming && (hasLength || h.noChunked):
		fr = framingRaw
	case h.streaming:
		fr = framingChunked
		buf = append(buf, headerChunked...)
	default:
		fr = framingLength
		if !hasLength {
			buf = append(buf, headerContentLength...)
			buf = strconv.AppendInt(buf, int64(len(h.body)), 10)
			buf = append(buf, crlf...)
		}
	}

	for _, kv := range h.headers {
		buf = append(buf, kv[0]...)
		buf = append(buf, headerSep...)
		buf = append(buf, kv[1]...)
		buf = append(buf, crlf...)
	}

	if !hasConnection && h.status != http.StatusSwitchingProtocols {
		buf = append(buf, headerConnection...)
		if h.keepAlive {
			buf = append(buf, headerKeepAlive...)
		} else {
			buf = append(buf, headerClose...)
		}
	}
	buf = append(buf, crlf...)

	if fr == framingLength && !h.omitBody {
		buf = append(buf, h.body...)
	}
	if h.omitBody {
		fr = framingNone
	}
	return buf, fr
}

// appendChunk frames p as one chunk of a chunked body.
func appendChunk(buf, p []byte) []byte {
	buf = strconv.AppendInt(buf, int64(len(p)), 16)
	buf = append(buf, crlf...)
	buf = append(buf, p...)
	return append(buf, crlf...)
}

// statusText returns the reason phrase for code.
func statusText(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}
	return "Unknown"
}
