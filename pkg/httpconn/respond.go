package httpconn

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/albertbausili/httpconn/internal/native"
)

// RequestEvent pairs an accepted request with the means to answer it.
type RequestEvent struct {
	Request *Request

	conn      *Conn
	stream    native.RID
	responded atomic.Bool
}

// Stream returns the stream resource id of the request.
func (e *RequestEvent) Stream() native.RID { return e.stream }

// bodyPlan is how a response body goes out: inline with the head, or as a
// stream after it.
type bodyPlan interface {
	strategy() string
}

type emptyPlan struct{}

type fixedPlan struct{ data []byte }

type streamPlan struct{ stream *ReadableStream }

func (emptyPlan) strategy() string  { return strategyEmpty }
func (fixedPlan) strategy() string  { return strategyFixed }
func (streamPlan) strategy() string { return strategyStream }

// RespondWith resolves p and writes the response to the request stream,
// then performs any upgrade the request or response asked for. The stream
// resource is released when it returns. It may be called once per event;
// later calls fail with ErrAlreadyResponded.
func (e *RequestEvent) RespondWith(ctx context.Context, p Pending) (err error) {
	if !e.responded.CompareAndSwap(false, true) {
		return ErrAlreadyResponded
	}
	c, req := e.conn, e.Request
	start := time.Now()
	strategy := strategyEmpty
	status := 0
	var resp *Response

	ctx, span := c.tracer.Start(ctx, "httpconn.respond",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", req.method),
			attribute.String("url.full", req.url),
			attribute.String("httpconn.conn_id", c.id),
			attribute.Int64("httpconn.stream", int64(e.stream)),
		))

	defer func() {
		if c.release(e.stream) {
			_ = c.t.Close(e.stream)
		}
		if pc := req.upgrade.Load(); pc != nil {
			cause := err
			if cause == nil {
				cause = ErrUpgradeNotPerformed
			}
			pc.reject(cause)
		}
		if err != nil && resp != nil && resp.ws != nil {
			resp.ws.abandon()
		}
		req.cancel(nil)

		responsesTotal.WithLabelValues(strategy, outcome(err)).Inc()
		responseDuration.WithLabelValues(strategy).Observe(time.Since(start).Seconds())

		span.SetAttributes(
			attribute.Int("http.status_code", status),
			attribute.String("httpconn.strategy", strategy),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.logger.Debug("respond failed",
				zap.Uint32("stream", uint32(e.stream)),
				zap.String("url", req.url),
				zap.Error(err))
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	if p == nil {
		return ErrInvalidResponse
	}
	resp, err = p.Resolve(ctx)
	if err != nil {
		return err
	}
	if resp == nil {
		return ErrInvalidResponse
	}
	status = resp.status()

	plan, err := planBody(ctx, resp.Body)
	if err != nil {
		return err
	}
	strategy = plan.strategy()

	head := native.ResponseHead{Status: status, Headers: resp.Headers.All()}
	switch pl := plan.(type) {
	case emptyPlan:
		head.Body = []byte{}
	case fixedPlan:
		head.Body = pl.data
	case streamPlan:
		head.Streaming = true
	}

	if err := c.t.WriteHeaders(ctx, e.stream, head); err != nil {
		err = c.substitute(err)
		if sp, ok := plan.(streamPlan); ok {
			_ = sp.stream.Cancel(err)
		}
		return err
	}

	if sp, ok := plan.(streamPlan); ok {
		if sp.stream.Backing() != nil && sp.stream.Backing().Transport == c.t {
			strategy = strategyResource
		}
		if err := e.writeStream(ctx, sp.stream); err != nil {
			return err
		}
	}

	if pc := req.upgrade.Load(); pc != nil {
		up, err := c.t.Upgrade(ctx, e.stream)
		if err != nil {
			return err
		}
		conn, err := newRawConn(c.t, up.Kind, up.Conn, c.local, c.remote)
		if err != nil {
			return err
		}
		upgradesTotal.WithLabelValues(up.Kind.String()).Inc()
		pc.resolve(conn, up.ReadBuf)
	}

	if ws := resp.ws; ws != nil {
		wsRID, err := c.t.UpgradeWebSocket(ctx, e.stream)
		if err != nil {
			return err
		}
		ws.bind(c.t, wsRID, resp.Headers.Get("sec-websocket-protocol"), c.logger)
		_ = c.Close()
		upgradesTotal.WithLabelValues("websocket").Inc()
		ws.start(context.WithoutCancel(ctx))
	}
	return nil
}

// planBody decides how body is sent. A stream of known length is read into
// one buffer; a second chunk from it means the length was wrong.
func planBody(ctx context.Context, b *Body) (bodyPlan, error) {
	if b == nil {
		return emptyPlan{}, nil
	}
	if b.Unusable() {
		return nil, ErrBodyUnusable
	}
	if b.stream == nil {
		return fixedPlan{data: nonNil(b.consume())}, nil
	}
	if b.streamed() {
		return streamPlan{stream: b.stream}, nil
	}

	r, err := b.stream.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Release()
	chunk, done, err := r.Read(ctx)
	if err != nil {
		return nil, err
	}
	if done {
		return emptyPlan{}, nil
	}
	data, ok := chunk.([]byte)
	if !ok {
		_ = r.Cancel(ErrNotBytes)
		return nil, ErrNotBytes
	}
	if _, done, err := r.Read(ctx); err != nil {
		return nil, err
	} else if !done {
		_ = r.Cancel(ErrUnreachable)
		return nil, ErrUnreachable
	}
	return fixedPlan{data: nonNil(data)}, nil
}

// writeStream sends a streamed body and shuts the stream down.
func (e *RequestEvent) writeStream(ctx context.Context, s *ReadableStream) error {
	c := e.conn
	r, err := s.Reader()
	if err != nil {
		return err
	}
	defer r.Release()

	if bk := s.Backing(); bk != nil && bk.Transport == c.t {
		if err := c.t.WriteResource(ctx, e.stream, bk.RID); err != nil {
			err = c.substitute(err)
			_ = r.Cancel(err)
			return err
		}
		if bk.AutoClose {
			_ = c.t.Close(bk.RID)
		}
		s.markClosed()
	} else {
		for {
			chunk, done, err := r.Read(ctx)
			if err != nil {
				return err
			}
			if done {
				break
			}
			data, ok := chunk.([]byte)
			if !ok {
				_ = r.Cancel(ErrNotBytes)
				break
			}
			if err := c.t.Write(ctx, e.stream, data); err != nil {
				err = c.substitute(err)
				_ = r.Cancel(err)
				return err
			}
		}
	}

	if err := c.t.Shutdown(ctx, e.stream); err != nil {
		_ = r.Cancel(err)
		return err
	}
	return nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
