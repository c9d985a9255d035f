package httpconn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type requestIDKey struct{}

// RequestIDFromContext returns the id stored by the RequestID middleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// LoggerConfig defines the configuration options for the Logger middleware.
type LoggerConfig struct {
	// Logger receives one entry per request (default: zap.NewNop)
	Logger *zap.Logger
	// SkipPaths lists paths to skip logging (e.g., health checks)
	SkipPaths []string
	// CustomFields allows adding fields to each log entry
	CustomFields func(req *Request) []zap.Field
}

// Logger returns a middleware that logs each request to logger.
func Logger(logger *zap.Logger) Middleware {
	return LoggerWithConfig(LoggerConfig{Logger: logger})
}

// LoggerWithConfig returns a middleware that logs requests with custom configuration.
func LoggerWithConfig(config LoggerConfig) Middleware {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
			if skipMap[req.Path()] {
				return next.ServeRequest(ctx, req)
			}

			start := time.Now()
			resp, err := next.ServeRequest(ctx, req)

			fields := []zap.Field{
				zap.String("method", req.Method()),
				zap.String("path", req.Path()),
				zap.Duration("duration", time.Since(start)),
			}
			if resp != nil {
				fields = append(fields, zap.Int("status", resp.status()))
			}
			if c := req.Conn(); c != nil {
				fields = append(fields, zap.String("conn_id", c.ID()))
				if c.RemoteAddr() != nil {
					fields = append(fields, zap.String("remote_addr", c.RemoteAddr().String()))
				}
			}
			if id := RequestIDFromContext(ctx); id != "" {
				fields = append(fields, zap.String("request_id", id))
			}
			if config.CustomFields != nil {
				fields = append(fields, config.CustomFields(req)...)
			}
			if err != nil {
				fields = append(fields, zap.Error(err))
				config.Logger.Warn("request failed", fields...)
			} else {
				config.Logger.Info("request", fields...)
			}
			return resp, err
		})
	}
}

// Recovery returns a middleware that recovers from panics.
// It catches panics during request handling and returns a 500 Internal Server Error response.
func Recovery(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (resp *Response, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panic",
						zap.String("path", req.Path()),
						zap.String("panic", fmt.Sprint(r)),
						zap.Stack("stack"))
					resp, err = Text(http.StatusInternalServerError, "Internal Server Error"), nil
				}
			}()
			return next.ServeRequest(ctx, req)
		})
	}
}

// RequestID returns a middleware that adds a unique request ID to each request.
// If a request ID is not already present in the headers, one is generated.
// The request ID is added to both the context and response headers.
func RequestID() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
			requestID := req.Header("x-request-id")
			if requestID == "" {
				requestID = uuid.NewString()
			}

			resp, err := next.ServeRequest(context.WithValue(ctx, requestIDKey{}, requestID), req)
			if resp != nil && resp.ws == nil {
				resp.Headers.Set("x-request-id", requestID)
			}
			return resp, err
		})
	}
}

// Timeout returns a middleware that limits request processing time.
// It answers requests that exceed the specified duration with a 504 Gateway Timeout response.
func Timeout(duration time.Duration) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
			ctx, cancel := context.WithTimeout(ctx, duration)
			defer cancel()

			type result struct {
				resp *Response
				err  error
			}
			done := make(chan result, 1)
			go func() {
				resp, err := next.ServeRequest(ctx, req)
				done <- result{resp, err}
			}()

			select {
			case r := <-done:
				return r.resp, r.err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return Text(http.StatusGatewayTimeout, "Gateway Timeout"), nil
				}
				return nil, ctx.Err()
			}
		})
	}
}
