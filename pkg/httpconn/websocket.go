package httpconn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/albertbausili/httpconn/internal/native"
)

// Close codes used by the server side.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseNoStatus      = 1005
	CloseAbnormal      = 1006
	maxCloseReasonSize = 123
)

const idleCloseReason = "No response from ping frame."

// ErrIdleTimeout is reported to OnError when the peer did not answer the
// idle ping.
var ErrIdleTimeout = errors.New("httpconn: no response from ping frame")

// ReadyState is the lifecycle state of a WebSocket.
type ReadyState int32

// WebSocket states.
const (
	Connecting ReadyState = iota
	Open
	Closing
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Open:
		return "OPEN"
	case Closing:
		return "CLOSING"
	default:
		return "CLOSED"
	}
}

// MessageEvent is one text or binary message.
type MessageEvent struct {
	Data []byte
	Text bool
}

// CloseEvent describes how the socket was closed.
type CloseEvent struct {
	Code     int
	Reason   string
	WasClean bool
}

// WebSocket is the server side of an upgraded connection. It is created by
// UpgradeWebSocket and opened when the upgrade response is sent. Message
// handlers run on the socket's event loop; OnClose runs exactly once.
type WebSocket struct {
	state atomic.Int32
	idle  time.Duration

	t        native.Transport
	rid      native.RID
	protocol string
	logger   *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	mu        sync.Mutex
	onOpen    func()
	onMessage func(MessageEvent)
	onClose   func(CloseEvent)
	onError   func(error)
	timer     *time.Timer
	timerGen  uint64
	early     *CloseEvent // Close called while still connecting

	done        chan struct{}
	doneOnce    sync.Once
	releaseOnce sync.Once
}

func newWebSocket(idle time.Duration) *WebSocket {
	return &WebSocket{
		idle:   idle,
		logger: zap.NewNop(),
		done:   make(chan struct{}),
	}
}

// OnOpen sets the handler called once the upgrade is complete.
func (w *WebSocket) OnOpen(fn func()) {
	w.mu.Lock()
	w.onOpen = fn
	w.mu.Unlock()
}

// OnMessage sets the message handler.
func (w *WebSocket) OnMessage(fn func(MessageEvent)) {
	w.mu.Lock()
	w.onMessage = fn
	w.mu.Unlock()
}

// OnClose sets the handler called once when the socket is closed.
func (w *WebSocket) OnClose(fn func(CloseEvent)) {
	w.mu.Lock()
	w.onClose = fn
	w.mu.Unlock()
}

// OnError sets the error handler.
func (w *WebSocket) OnError(fn func(error)) {
	w.mu.Lock()
	w.onError = fn
	w.mu.Unlock()
}

// ReadyState returns the current state.
func (w *WebSocket) ReadyState() ReadyState {
	return ReadyState(w.state.Load())
}

// Protocol returns the negotiated subprotocol, or "".
func (w *WebSocket) Protocol() string {
	if w.ReadyState() == Connecting {
		return ""
	}
	return w.protocol
}

// Done is closed when the socket has finished, including when the upgrade
// never completed.
func (w *WebSocket) Done() <-chan struct{} {
	return w.done
}

// Send sends a binary message.
func (w *WebSocket) Send(ctx context.Context, data []byte) error {
	return w.send(ctx, native.MessageBinary, data)
}

// SendText sends a text message.
func (w *WebSocket) SendText(ctx context.Context, s string) error {
	return w.send(ctx, native.MessageText, []byte(s))
}

func (w *WebSocket) send(ctx context.Context, kind native.MessageKind, data []byte) error {
	if w.ReadyState() != Open {
		return ErrWebSocketNotOpen
	}
	return w.t.Send(ctx, w.rid, native.WebSocketMessage{Kind: kind, Data: data})
}

// Close starts the closing handshake. code is 0 for none, 1000, or in the
// range 3000-4999; reason is at most 123 bytes. Closing an already closing
// or closed socket does nothing.
func (w *WebSocket) Close(ctx context.Context, code int, reason string) error {
	if code != 0 && code != CloseNormal && (code < 3000 || code > 4999) {
		return ErrInvalidCloseCode
	}
	if len(reason) > maxCloseReasonSize {
		return ErrCloseReasonTooLong
	}

	if w.state.CompareAndSwap(int32(Connecting), int32(Closing)) {
		w.mu.Lock()
		w.early = &CloseEvent{Code: code, Reason: reason}
		w.mu.Unlock()
		return nil
	}
	if !w.state.CompareAndSwap(int32(Open), int32(Closing)) {
		return nil
	}
	if err := w.t.CloseWebSocket(ctx, w.rid, code, reason); err != nil {
		w.fail(err)
		return err
	}
	return nil
}

// bind attaches the upgraded channel.
func (w *WebSocket) bind(t native.Transport, rid native.RID, protocol string, logger *zap.Logger) {
	w.t = t
	w.rid = rid
	w.protocol = protocol
	if logger != nil {
		w.logger = logger.With(zap.Uint32("websocket", uint32(rid)))
	}
}

// start opens the socket and runs its event loop.
func (w *WebSocket) start(ctx context.Context) {
	w.ctx, w.cancel = context.WithCancel(ctx)

	if w.state.CompareAndSwap(int32(Connecting), int32(Open)) {
		if fn := w.handlers().onOpen; fn != nil {
			fn()
		}
	} else {
		w.mu.Lock()
		early := w.early
		w.mu.Unlock()
		if early != nil {
			if err := w.t.CloseWebSocket(w.ctx, w.rid, early.Code, early.Reason); err != nil {
				w.fail(err)
				return
			}
		}
	}
	w.resetIdle()
	go w.loop()
}

// abandon finishes a socket whose upgrade failed.
func (w *WebSocket) abandon() {
	w.state.Store(int32(Closed))
	w.finish()
}

func (w *WebSocket) loop() {
	defer w.finish()
	for w.ReadyState() != Closed {
		ev, err := w.t.NextEvent(w.ctx, w.rid)
		if w.ReadyState() == Closed {
			return
		}
		if err != nil {
			w.fail(err)
			return
		}

		switch ev.Kind {
		case native.EventText, native.EventBinary:
			w.resetIdle()
			msg := MessageEvent{Data: ev.Data, Text: ev.Kind == native.EventText}
			if fn := w.handlers().onMessage; fn != nil {
				fn(msg)
			}
		case native.EventPong:
			w.resetIdle()
		case native.EventClose:
			prev := ReadyState(w.state.Swap(int32(Closed)))
			w.stopTimer()
			if prev == Open {
				_ = w.t.CloseWebSocket(w.ctx, w.rid, ev.Code, ev.Reason)
			}
			w.emitClose(CloseEvent{Code: ev.Code, Reason: ev.Reason, WasClean: ev.Code != CloseAbnormal})
			w.release()
			return
		case native.EventError:
			w.fail(ev.Err)
			return
		}
	}
}

// fail closes the socket after a transport failure.
func (w *WebSocket) fail(err error) {
	if ReadyState(w.state.Swap(int32(Closed))) == Closed {
		return
	}
	w.stopTimer()
	w.logger.Debug("websocket failed", zap.Error(err))
	w.emitError(err)
	w.emitClose(CloseEvent{Code: CloseAbnormal})
	w.release()
}

// terminate closes the socket without waiting for the peer, as on server
// shutdown.
func (w *WebSocket) terminate() {
	prev := ReadyState(w.state.Swap(int32(Closed)))
	if prev == Closed {
		return
	}
	w.stopTimer()
	if prev == Open || prev == Closing {
		_ = w.t.CloseWebSocket(w.ctx, w.rid, CloseGoingAway, "")
	}
	w.emitClose(CloseEvent{Code: CloseGoingAway})
	w.release()
}

// resetIdle rearms the idle timer: a ping after half the idle timeout, and a
// close if the peer stays silent for the other half.
func (w *WebSocket) resetIdle() {
	if w.idle <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	if w.ReadyState() == Closed {
		return
	}
	w.timerGen++
	gen := w.timerGen
	w.timer = time.AfterFunc(w.idle/2, func() { w.idlePing(gen) })
}

func (w *WebSocket) idlePing(gen uint64) {
	if !w.currentTimer(gen) || w.ReadyState() != Open {
		return
	}
	if err := w.t.Send(w.ctx, w.rid, native.WebSocketMessage{Kind: native.MessagePing}); err != nil {
		w.logger.Debug("websocket idle ping failed", zap.Error(err))
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timerGen != gen {
		return
	}
	w.timer = time.AfterFunc(w.idle/2, func() { w.idleClose(gen) })
}

func (w *WebSocket) idleClose(gen uint64) {
	if !w.currentTimer(gen) || !w.state.CompareAndSwap(int32(Open), int32(Closing)) {
		return
	}
	_ = w.t.CloseWebSocket(w.ctx, w.rid, CloseGoingAway, idleCloseReason)
	if ReadyState(w.state.Swap(int32(Closed))) == Closed {
		return
	}
	w.emitError(ErrIdleTimeout)
	w.emitClose(CloseEvent{Code: CloseGoingAway, Reason: idleCloseReason})
	w.release()
}

func (w *WebSocket) currentTimer(gen uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timerGen == gen
}

func (w *WebSocket) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timerGen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

type wsHandlers struct {
	onOpen    func()
	onMessage func(MessageEvent)
	onClose   func(CloseEvent)
	onError   func(error)
}

func (w *WebSocket) handlers() wsHandlers {
	w.mu.Lock()
	defer w.mu.Unlock()
	return wsHandlers{onOpen: w.onOpen, onMessage: w.onMessage, onClose: w.onClose, onError: w.onError}
}

func (w *WebSocket) emitError(err error) {
	if fn := w.handlers().onError; fn != nil {
		fn(err)
	}
}

func (w *WebSocket) emitClose(ev CloseEvent) {
	if fn := w.handlers().onClose; fn != nil {
		fn(ev)
	}
}

// release closes the channel resource and stops pending transport calls.
func (w *WebSocket) release() {
	w.releaseOnce.Do(func() {
		if err := w.t.Close(w.rid); err != nil && !native.IsBadResource(err) {
			w.logger.Debug("websocket close failed", zap.Error(err))
		}
		w.cancel()
	})
	w.finish()
}

func (w *WebSocket) finish() {
	w.doneOnce.Do(func() { close(w.done) })
}
