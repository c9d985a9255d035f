// Package main runs an httpconn server with a small demo handler set: plain
// text, request echo, a streamed body and a WebSocket echo endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/albertbausili/httpconn/pkg/httpconn"
)

func main() {
	var (
		configPath  = flag.StringP("config", "c", "", "path to a YAML config file")
		addr        = flag.StringP("addr", "a", "", "listen address (overrides config)")
		engine      = flag.String("engine", "", `listener engine: "net" or "gnet" (overrides config)`)
		metricsAddr = flag.String("metrics-addr", ":9090", "address of the Prometheus /metrics listener, empty to disable")
		debug       = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	logger, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg := httpconn.DefaultConfig()
	if *configPath != "" {
		if cfg, err = httpconn.LoadConfig(*configPath); err != nil {
			logger.Fatal("failed to load config", zap.Error(err))
		}
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *engine != "" {
		cfg.Engine = *engine
	}
	cfg.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *metricsAddr != "" {
		go serveMetrics(ctx, *metricsAddr, logger)
	}

	handler := httpconn.Chain(
		httpconn.Recovery(logger),
		httpconn.RequestID(),
		httpconn.Tracing(),
		httpconn.Logger(logger),
		httpconn.Timeout(30*time.Second),
		httpconn.Compress(),
	)(routes(logger))

	srv := &httpconn.Server{Handler: handler, Config: cfg}
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func serveMetrics(ctx context.Context, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	logger.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", zap.Error(err))
	}
}

func routes(logger *zap.Logger) httpconn.Handler {
	return httpconn.HandlerFunc(func(ctx context.Context, req *httpconn.Request) (*httpconn.Response, error) {
		switch req.Path() {
		case "/":
			return httpconn.Text(http.StatusOK, "hello from httpconn\n"), nil
		case "/health":
			return httpconn.Text(http.StatusOK, "ok\n"), nil
		case "/echo":
			if req.Body() == nil {
				return httpconn.Text(http.StatusMethodNotAllowed, "POST a body to echo it\n"), nil
			}
			data, err := req.Body().ReadAll(ctx)
			if err != nil {
				return nil, err
			}
			resp := httpconn.NewResponse(http.StatusOK, httpconn.BytesBody(data))
			if ct := req.Header("content-type"); ct != "" {
				resp.Headers.Set("content-type", ct)
			}
			return resp, nil
		case "/stream":
			chunks := make([]any, 0, 5)
			for i := range 5 {
				chunks = append(chunks, []byte(fmt.Sprintf("chunk %d\n", i)))
			}
			return httpconn.NewResponse(http.StatusOK, httpconn.StreamBody(httpconn.StreamFromChunks(chunks...), -1)), nil
		case "/ws":
			return echoSocket(req, logger)
		}
		return httpconn.Text(http.StatusNotFound, "not found\n"), nil
	})
}

func echoSocket(req *httpconn.Request, logger *zap.Logger) (*httpconn.Response, error) {
	resp, ws, err := httpconn.UpgradeWebSocket(req, httpconn.WebSocketOptions{})
	if err != nil {
		return httpconn.Text(http.StatusBadRequest, err.Error()+"\n"), nil
	}
	ws.OnMessage(func(m httpconn.MessageEvent) {
		var err error
		if m.Text {
			err = ws.SendText(context.Background(), string(m.Data))
		} else {
			err = ws.Send(context.Background(), m.Data)
		}
		if err != nil {
			logger.Debug("echo failed", zap.Error(err))
		}
	})
	ws.OnClose(func(e httpconn.CloseEvent) {
		logger.Debug("websocket closed", zap.Int("code", e.Code), zap.Bool("clean", e.WasClean))
	})
	return resp, nil
}
