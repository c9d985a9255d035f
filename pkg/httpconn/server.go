package httpconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/albertbausili/httpconn/internal/date"
	"github.com/albertbausili/httpconn/internal/engine"
)

// ErrServerClosed is returned by Serve when the listener was closed from
// outside.
var ErrServerClosed = errors.New("httpconn: server closed")

// Server runs a Handler for every request of every accepted connection.
type Server struct {
	Handler Handler
	Config  Config
}

// ListenAndServe listens on Config.Addr with the configured engine and
// serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	cfg := s.Config
	if err := cfg.Validate(); err != nil {
		return err
	}

	var ln net.Listener
	var err error
	switch cfg.Engine {
	case EngineGnet:
		ln, err = engine.Listen(cfg.Addr, engine.Options{
			Multicore:      cfg.Multicore,
			NumEventLoop:   cfg.NumEventLoop,
			ReusePort:      cfg.ReusePort,
			MaxConnections: uint32(max(cfg.MaxConnections, 0)),
			Logger:         cfg.Logger,
		})
	default:
		ln, err = net.Listen("tcp", cfg.Addr)
	}
	if err != nil {
		return fmt.Errorf("httpconn: listen %s: %w", cfg.Addr, err)
	}
	cfg.Logger.Info("listening", zap.String("addr", ln.Addr().String()), zap.String("engine", cfg.Engine))
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is cancelled, then closes ln
// and waits for open connections to finish. It returns nil after a
// cancellation and ErrServerClosed if ln was closed by someone else.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.Handler == nil {
		return errors.New("httpconn: nil handler")
	}
	cfg := s.Config
	host, err := NewHost(cfg)
	if err != nil {
		return err
	}
	logger := host.logger
	defer host.Close()
	defer date.StartTicker()()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		if el, ok := ln.(*engine.Listener); ok {
			logger.Info("draining connections", zap.Int("active", el.ActiveConns()))
		}
		_ = ln.Close()
		return nil
	})
	g.Go(func() error {
		for {
			nc, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				if errors.Is(err, net.ErrClosed) || errors.Is(err, engine.ErrClosed) {
					return ErrServerClosed
				}
				return err
			}
			g.Go(func() error {
				s.serveConn(gctx, host, nc)
				return nil
			})
		}
	})

	err = g.Wait()
	logger.Debug("server stopped", zap.Error(err))
	return err
}

func (s *Server) serveConn(ctx context.Context, host *Host, nc net.Conn) {
	c, err := host.ServeConn(nc, WithBaseContext(ctx))
	if err != nil {
		host.logger.Debug("connection not served", zap.Error(err))
		return
	}
	defer c.Close()

	var wg sync.WaitGroup
	for ev, err := range c.All(ctx) {
		if err != nil {
			c.logger.Debug("connection failed", zap.Error(err))
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, c, ev)
		}()
	}
	wg.Wait()
}

func (s *Server) handle(ctx context.Context, c *Conn, ev *RequestEvent) {
	req := ev.Request
	var ws *WebSocket
	err := ev.RespondWith(ctx, PendingFunc(func(ctx context.Context) (*Response, error) {
		// The handler sees the request lifetime plus the responder span.
		hctx := trace.ContextWithSpan(req.Context(), trace.SpanFromContext(ctx))
		resp, err := s.Handler.ServeRequest(hctx, req)
		switch {
		case err != nil:
			c.logger.Warn("handler failed", zap.String("url", req.URL()), zap.Error(err))
			return Text(http.StatusInternalServerError, "Internal Server Error"), nil
		case resp == nil:
			c.logger.Warn("handler returned no response", zap.String("url", req.URL()))
			return Text(http.StatusInternalServerError, "Internal Server Error"), nil
		}
		ws = resp.WebSocket()
		return resp, nil
	}))
	if err != nil {
		c.logger.Debug("respond failed", zap.String("url", req.URL()), zap.Error(err))
		return
	}
	if ws != nil {
		select {
		case <-ws.Done():
		case <-ctx.Done():
			ws.terminate()
			<-ws.Done()
		}
	}
}
