// Package h1 provides the HTTP/1.1 native transport resources: a request
// parser, a response writer, and the connection, stream, raw connection and
// WebSocket resources the dispatcher routes ops to.
package h1

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Request represents a parsed HTTP/1.1 request head.
type Request struct {
	Method  string
	Path    string
	Version string
	Headers [][2]string
	Host    string
	// Body framing
	ContentLength   int64
	ChunkedEncoding bool
	KeepAlive       bool
	Upgrade         bool
}

// Reset clears the request fields for reuse.
func (r *Request) Reset() {
	r.Method = ""
	r.Path = ""
	r.Version = ""
	r.Headers = r.Headers[:0]
	r.Host = ""
	r.ContentLength = 0
	r.ChunkedEncoding = false
	r.KeepAlive = false
	r.Upgrade = false
}

// Clone returns a copy that does not share the header slice.
func (r *Request) Clone() *Request {
	cp := *r
	cp.Headers = append([][2]string(nil), r.Headers...)
	return &cp
}

var (
	bGET    = []byte("GET")
	bHTTP11 = []byte("HTTP/1.1")
	bRoot   = []byte("/")

	sGET    = "GET"
	sHTTP11 = "HTTP/1.1"
	sRoot   = "/"
)

// Parser parses HTTP/1.1 request heads from a byte buffer.
type Parser struct {
	buf []byte
	pos int
}

// NewParser creates a new HTTP/1.1 parser.
func NewParser() *Parser {
	return &Parser{}
}

// Reset resets the parser with new buffer data.
func (p *Parser) Reset(buf []byte) {
	p.buf = buf
	p.pos = 0
}

// ParseRequest parses the request line and headers from the buffer.
// Returns the number of bytes consumed, 0 if the head is incomplete, or an error.
func (p *Parser) ParseRequest(req *Request) (int, error) {
	if p.pos >= len(p.buf) {
		return 0, nil
	}

	complete, err := p.parseRequestLine(req)
	if err != nil {
		return 0, err
	}
	if !complete {
		return 0, nil
	}

	if cap(req.Headers) >= 16 {
		req.Headers = req.Headers[:0]
	} else {
		req.Headers = make([][2]string, 0, 16)
	}
	req.ContentLength = -1
	req.KeepAlive = req.Version == sHTTP11

	complete, err = p.parseHeaders(req)
	if err != nil {
		return 0, err
	}
	if !complete {
		return 0, nil
	}

	// Host is mandatory from HTTP/1.1 on.
	if req.Host == "" && req.Version == sHTTP11 {
		return 0, fmt.Errorf("missing Host header")
	}
	return p.pos, nil
}

// parseRequestLine parses METHOD SP PATH SP VERSION CRLF, advancing p.pos.
// Returns complete=false if more data is needed.
func (p *Parser) parseRequestLine(req *Request) (bool, error) {
	lineEnd := bytes.Index(p.buf[p.pos:], []byte("\r\n"))
	if lineEnd == -1 {
		return false, nil
	}
	line := p.buf[p.pos : p.pos+lineEnd]
	p.pos += lineEnd + 2

	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 || len(parts[0]) == 0 || len(parts[1]) == 0 {
		return false, fmt.Errorf("invalid request line")
	}
	if bytes.Equal(parts[0], bGET) {
		req.Method = sGET
	} else {
		req.Method = string(parts[0])
	}
	if bytes.Equal(parts[1], bRoot) {
		req.Path = sRoot
	} else {
		req.Path = string(parts[1])
	}
	if bytes.Equal(parts[2], bHTTP11) {
		req.Version = sHTTP11
	} else {
		req.Version = string(parts[2])
	}
	if req.Version != sHTTP11 && req.Version != "HTTP/1.0" {
		return false, fmt.Errorf("unsupported HTTP version: %s", req.Version)
	}
	return true, nil
}

// parseHeaders parses headers until CRLF CRLF, advancing p.pos.
// Returns complete=false if more data is needed.
func (p *Parser) parseHeaders(req *Request) (bool, error) {
	for {
		lineEnd := bytes.Index(p.buf[p.pos:], []byte("\r\n"))
		if lineEnd == -1 {
			return false, nil
		}
		line := p.buf[p.pos : p.pos+lineEnd]
		p.pos += lineEnd + 2
		if len(line) == 0 {
			return true, nil
		}
		colonIdx := bytes.IndexByte(line, ':')
		if colonIdx <= 0 {
			return false, fmt.Errorf("invalid header line")
		}
		rawName := bytes.TrimSpace(line[:colonIdx])
		if len(rawName) == 0 {
			return false, fmt.Errorf("invalid header line")
		}
		rawValue := bytes.TrimSpace(line[colonIdx+1:])
		if err := appendHeader(req, rawName, rawValue); err != nil {
			return false, err
		}
	}
}

// appendHeader records a header and updates the framing fields it controls.
func appendHeader(req *Request, rawName, rawValue []byte) error {
	var name string
	switch {
	case asciiEqualFold(rawName, "Host"):
		name = "host"
	case asciiEqualFold(rawName, "Content-Length"):
		name = "content-length"
	case asciiEqualFold(rawName, "Transfer-Encoding"):
		name = "transfer-encoding"
	case asciiEqualFold(rawName, "Connection"):
		name = "connection"
	default:
		name = strings.ToLower(string(rawName))
	}
	value := string(rawValue)
	req.Headers = append(req.Headers, [2]string{name, value})

	switch name {
	case "host":
		req.Host = value
	case "content-length":
		if req.ChunkedEncoding {
			return nil
		}
		cl, ok := parseInt64Bytes(rawValue)
		if !ok {
			return fmt.Errorf("invalid content-length: %q", value)
		}
		req.ContentLength = cl
	case "transfer-encoding":
		if asciiContainsFold(value, "chunked") {
			req.ChunkedEncoding = true
			req.ContentLength = -1
		}
	case "connection":
		if asciiContainsFold(value, "close") {
			req.KeepAlive = false
		} else if asciiContainsFold(value, "keep-alive") {
			req.KeepAlive = true
		}
		if asciiContainsFold(value, "upgrade") {
			req.Upgrade = true
		}
	}
	return nil
}

// asciiEqualFold reports whether b equals s under ASCII case-insensitive comparison
func asciiEqualFold(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		if lower(b[i]) != lower(s[i]) {
			return false
		}
	}
	return true
}

// asciiContainsFold reports whether s contains sub under ASCII case-insensitive comparison
func asciiContainsFold(s, sub string) bool {
	m := len(sub)
	if m == 0 {
		return true
	}
	for i := 0; i+m <= len(s); i++ {
		match := true
		for j := 0; j < m; j++ {
			if lower(s[i+j]) != lower(sub[j]) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func lower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c | 0x20
	}
	return c
}

// parseInt64Bytes parses a base-10 int64 from ASCII bytes, returning ok=false on error
func parseInt64Bytes(b []byte) (int64, bool) {
	if len(b) == 0 || len(b) > 18 {
		return 0, false
	}
	var n int64
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}

// parseChunkSize parses a chunk-size line (without CRLF), ignoring extensions.
func parseChunkSize(line []byte) (int64, error) {
	if semiIdx := bytes.IndexByte(line, ';'); semiIdx != -1 {
		line = line[:semiIdx]
	}
	size, err := strconv.ParseInt(string(bytes.TrimSpace(line)), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk size: %w", err)
	}
	if size < 0 {
		return 0, fmt.Errorf("invalid chunk size: %d", size)
	}
	return size, nil
}
