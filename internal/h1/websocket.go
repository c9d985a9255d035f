package h1

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/albertbausili/httpconn/internal/native"
)

// maxMessageBytes bounds a reassembled WebSocket message.
const maxMessageBytes = 64 << 20

var errMessageTooLarge = errors.New("h1: websocket message too large")

// webSocket is the frame-level channel over a hijacked connection.
type webSocket struct {
	nc     net.Conn
	br     *bufio.Reader
	cfg    Config
	logger *zap.Logger

	// Fragmented message being reassembled.
	fragOp  ws.OpCode
	fragBuf []byte

	wmu       sync.Mutex
	closeSent bool

	closeOnce sync.Once
}

var _ native.WebSocketChannel = (*webSocket)(nil)

func newWebSocket(nc net.Conn, readBuf []byte, cfg Config) *webSocket {
	var r io.Reader = nc
	if len(readBuf) > 0 {
		r = io.MultiReader(bytes.NewReader(readBuf), nc)
	}
	return &webSocket{
		nc:     nc,
		br:     bufio.NewReaderSize(r, 16<<10),
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// Name implements resource.Resource.
func (w *webSocket) Name() string { return "webSocketStream" }

// Close closes the connection.
func (w *webSocket) Close() error {
	var err error
	w.closeOnce.Do(func() { err = w.nc.Close() })
	return err
}

// NextEvent reads frames until one produces an event. Pings are answered
// here; fragmented messages are reassembled.
func (w *webSocket) NextEvent(ctx context.Context) (native.WebSocketEvent, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = w.nc.SetReadDeadline(aLongTimeAgo)
	})
	defer func() {
		if !stop() {
			_ = w.nc.SetReadDeadline(time.Time{})
		}
	}()

	for {
		hdr, err := ws.ReadHeader(w.br)
		if err != nil {
			return w.readFailure(ctx, err)
		}
		if hdr.Length > maxMessageBytes || int64(len(w.fragBuf))+hdr.Length > maxMessageBytes {
			_ = w.CloseWebSocket(ctx, int(ws.StatusMessageTooBig), "")
			return native.WebSocketEvent{Kind: native.EventError, Err: errMessageTooLarge}, nil
		}
		payload := make([]byte, hdr.Length)
		if _, err := io.ReadFull(w.br, payload); err != nil {
			return w.readFailure(ctx, err)
		}
		if hdr.Masked {
			ws.Cipher(payload, hdr.Mask, 0)
		}

		switch hdr.OpCode {
		case ws.OpPing:
			if err := w.Send(ctx, native.WebSocketMessage{Kind: native.MessagePong, Data: payload}); err != nil {
				return native.WebSocketEvent{}, err
			}
		case ws.OpPong:
			return native.WebSocketEvent{Kind: native.EventPong, Data: payload}, nil
		case ws.OpClose:
			code, reason := int(ws.StatusNoStatusRcvd), ""
			if len(payload) >= 2 {
				sc, r := ws.ParseCloseFrameData(payload)
				code, reason = int(sc), r
			}
			_ = w.CloseWebSocket(ctx, code, reason)
			return native.WebSocketEvent{Kind: native.EventClose, Code: code, Reason: reason}, nil
		case ws.OpContinuation:
			w.fragBuf = append(w.fragBuf, payload...)
			if hdr.Fin {
				return w.message(w.fragOp, w.takeFragments()), nil
			}
		case ws.OpText, ws.OpBinary:
			if !hdr.Fin {
				w.fragOp = hdr.OpCode
				w.fragBuf = append(w.fragBuf[:0], payload...)
				continue
			}
			return w.message(hdr.OpCode, payload), nil
		default:
			w.logger.Debug("websocket: unknown opcode", zap.Uint8("opcode", uint8(hdr.OpCode)))
		}
	}
}

func (w *webSocket) takeFragments() []byte {
	data := w.fragBuf
	w.fragBuf = nil
	return data
}

func (w *webSocket) message(op ws.OpCode, data []byte) native.WebSocketEvent {
	if op == ws.OpText {
		return native.WebSocketEvent{Kind: native.EventText, Data: data}
	}
	return native.WebSocketEvent{Kind: native.EventBinary, Data: data}
}

// readFailure maps a read error. A peer that went away without a close
// frame yields an abnormal closure event.
func (w *webSocket) readFailure(ctx context.Context, err error) (native.WebSocketEvent, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return native.WebSocketEvent{}, ctxErr
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return native.WebSocketEvent{Kind: native.EventClose, Code: int(ws.StatusAbnormalClosure)}, nil
	}
	return native.WebSocketEvent{Kind: native.EventError, Err: err}, nil
}

// Send writes one frame.
func (w *webSocket) Send(ctx context.Context, msg native.WebSocketMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var frame ws.Frame
	switch msg.Kind {
	case native.MessageText:
		frame = ws.NewTextFrame(msg.Data)
	case native.MessageBinary:
		frame = ws.NewBinaryFrame(msg.Data)
	case native.MessagePing:
		frame = ws.NewPingFrame(msg.Data)
	case native.MessagePong:
		frame = ws.NewPongFrame(msg.Data)
	default:
		return errors.New("h1: unknown websocket message kind")
	}

	w.wmu.Lock()
	defer w.wmu.Unlock()
	if w.closeSent {
		return native.New("ws_send", native.KindConnectionClosed, "websocket closed")
	}
	return w.writeFrame(frame)
}

// CloseWebSocket sends a close frame once.
func (w *webSocket) CloseWebSocket(_ context.Context, code int, reason string) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	if w.closeSent {
		return nil
	}
	w.closeSent = true
	var body []byte
	if code != 0 && code != int(ws.StatusNoStatusRcvd) && code != int(ws.StatusAbnormalClosure) {
		body = ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	}
	return w.writeFrame(ws.NewCloseFrame(body))
}

func (w *webSocket) writeFrame(f ws.Frame) error {
	if w.cfg.WriteTimeout > 0 {
		_ = w.nc.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	}
	return ws.WriteFrame(w.nc, f)
}
