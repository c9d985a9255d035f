// Package mux provides protocol multiplexing for HTTP/1.1 and HTTP/2.
// It detects the protocol version from the first bytes of a connection and
// opens the matching connection resource.
package mux

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/albertbausili/httpconn/internal/h1"
	"github.com/albertbausili/httpconn/internal/h2"
	"github.com/albertbausili/httpconn/internal/resource"
)

// HTTP/2 connection preface
const http2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// ErrProtocolDisabled is returned when the client speaks a disabled protocol.
var ErrProtocolDisabled = errors.New("mux: protocol disabled")

// Config defines which protocols are enabled and how their connections are
// configured.
type Config struct {
	EnableH1 bool
	EnableH2 bool
	// DetectTimeout bounds the wait for the first bytes. Zero disables it.
	DetectTimeout time.Duration
	H1            h1.Config
	H2            h2.Config
	Logger        *zap.Logger
}

// Protocol identifies the detected protocol.
type Protocol int

// Detected protocols.
const (
	ProtocolH1 Protocol = iota + 1
	ProtocolH2
)

func (p Protocol) String() string {
	if p == ProtocolH2 {
		return "h2"
	}
	return "http/1.1"
}

// Detect reports the protocol of a connection whose first bytes are in br.
// It only reads as far as needed to tell the two apart.
func Detect(br *bufio.Reader) (Protocol, error) {
	first, err := br.Peek(4)
	if err != nil {
		return 0, err
	}
	if !bytes.Equal(first, []byte("PRI ")) {
		return ProtocolH1, nil
	}
	preface, err := br.Peek(len(http2Preface))
	if err != nil {
		return 0, err
	}
	if string(preface) != http2Preface {
		return 0, fmt.Errorf("mux: invalid connection preface %q", preface)
	}
	return ProtocolH2, nil
}

// Open detects the protocol spoken on nc and returns its connection
// resource. A connection that closes before sending anything yields io.EOF.
func Open(nc net.Conn, cfg Config) (resource.Resource, Protocol, error) {
	if !cfg.EnableH1 && !cfg.EnableH2 {
		cfg.EnableH2 = true
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.H1.Logger == nil {
		cfg.H1.Logger = cfg.Logger
	}
	if cfg.H2.Logger == nil {
		cfg.H2.Logger = cfg.Logger
	}

	// Only one protocol: skip detection entirely.
	switch {
	case cfg.EnableH1 && !cfg.EnableH2:
		return h1.Open(nc, nil, cfg.H1), ProtocolH1, nil
	case cfg.EnableH2 && !cfg.EnableH1:
		return h2.Open(nc, cfg.H2), ProtocolH2, nil
	}

	br := h1.NewReader(nc, cfg.H1)
	if cfg.DetectTimeout > 0 {
		_ = nc.SetReadDeadline(time.Now().Add(cfg.DetectTimeout))
	}
	proto, err := Detect(br)
	_ = nc.SetReadDeadline(time.Time{})
	if err != nil {
		if !errors.Is(err, io.EOF) {
			cfg.Logger.Debug("protocol detection failed",
				zap.String("remote", nc.RemoteAddr().String()),
				zap.Error(err))
		}
		return nil, 0, err
	}

	cfg.Logger.Debug("protocol detected",
		zap.String("remote", nc.RemoteAddr().String()),
		zap.Stringer("protocol", proto))

	if proto == ProtocolH2 {
		if _, ok := nc.(*tls.Conn); ok && cfg.H2.Scheme == "" {
			cfg.H2.Scheme = "https"
		}
		return h2.Open(&peekedConn{Conn: nc, r: br}, cfg.H2), proto, nil
	}
	return h1.Open(nc, br, cfg.H1), proto, nil
}

// peekedConn replays bytes consumed during detection.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
