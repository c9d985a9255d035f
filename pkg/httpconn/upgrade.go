package httpconn

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// websocketGUID is appended to the client key to form the accept hash.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// WebSocketOptions configures UpgradeWebSocket.
type WebSocketOptions struct {
	// Protocol is the subprotocol to accept. It must be one the client
	// offered in sec-websocket-protocol.
	Protocol string
	// IdleTimeout closes a silent socket after a ping goes unanswered.
	// Zero uses the connection default (120s unless configured); a
	// negative value disables it.
	IdleTimeout time.Duration
}

// UpgradeWebSocket validates a WebSocket handshake request and returns the
// 101 response to answer it with, plus the socket that opens once that
// response is sent through RespondWith.
func UpgradeWebSocket(req *Request, opts WebSocketOptions) (*Response, *WebSocket, error) {
	if v, ok := req.lookup("upgrade"); !ok || !hasToken(v, "websocket") {
		return nil, nil, &HeaderError{Name: "upgrade", Msg: "must contain 'websocket'"}
	}
	if v, ok := req.lookup("connection"); !ok || !hasToken(v, "upgrade") {
		return nil, nil, &HeaderError{Name: "connection", Msg: "must contain 'Upgrade'"}
	}
	key, ok := req.lookup("sec-websocket-key")
	if !ok {
		return nil, nil, &HeaderError{Name: "sec-websocket-key", Msg: "must be set"}
	}

	resp := NewResponse(http.StatusSwitchingProtocols, nil)
	resp.Headers = NewHeaders(
		[2]string{"upgrade", "websocket"},
		[2]string{"connection", "Upgrade"},
		[2]string{"sec-websocket-accept", AcceptKey(key)},
	)

	if opts.Protocol != "" {
		offered := strings.Split(req.Header("sec-websocket-protocol"), ", ")
		found := false
		for _, p := range offered {
			if p == opts.Protocol {
				found = true
				break
			}
		}
		if !found {
			return nil, nil, fmt.Errorf("%w: protocol '%s' not in the request's protocol list (non negotiable)",
				ErrProtocolNotOffered, opts.Protocol)
		}
		resp.Headers.Add("sec-websocket-protocol", opts.Protocol)
	}

	idle := opts.IdleTimeout
	if idle == 0 {
		idle = DefaultWebSocketIdleTimeout
		if req.conn != nil && req.conn.wsIdle != 0 {
			idle = req.conn.wsIdle
		}
	}
	ws := newWebSocket(idle)
	resp.ws = ws
	return resp, ws, nil
}

// AcceptKey computes the sec-websocket-accept value for a client key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// UpgradeHTTP asks for the request's connection to be handed over once the
// response has been written. The returned PendingConn resolves after
// RespondWith sends the response, or fails if it could not upgrade.
func UpgradeHTTP(req *Request) (*PendingConn, error) {
	if req.conn == nil {
		return nil, ErrFastRequest
	}
	pc := &PendingConn{done: make(chan struct{})}
	req.upgrade.Store(pc)
	return pc, nil
}

// PendingConn is a raw connection upgrade that completes after the response.
type PendingConn struct {
	once    sync.Once
	done    chan struct{}
	conn    RawConn
	readBuf []byte
	err     error
}

// Wait blocks until the upgrade completes. readBuf holds bytes the peer sent
// after the request that were already read from the connection.
func (p *PendingConn) Wait(ctx context.Context) (conn RawConn, readBuf []byte, err error) {
	select {
	case <-p.done:
		return p.conn, p.readBuf, p.err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (p *PendingConn) resolve(conn RawConn, readBuf []byte) {
	p.once.Do(func() {
		p.conn, p.readBuf = conn, readBuf
		close(p.done)
	})
}

func (p *PendingConn) reject(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}
