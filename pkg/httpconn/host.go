package httpconn

import (
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/albertbausili/httpconn/internal/h1"
	"github.com/albertbausili/httpconn/internal/h2"
	"github.com/albertbausili/httpconn/internal/mux"
	"github.com/albertbausili/httpconn/internal/native"
	"github.com/albertbausili/httpconn/internal/resource"
)

// Host owns the resource table shared by every connection it serves and the
// transport that operates on it.
type Host struct {
	cfg        Config
	table      *resource.Table
	dispatcher *native.Dispatcher
	logger     *zap.Logger
}

// NewHost creates a host. cfg is validated first.
func NewHost(cfg Config) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	table := resource.NewTable()
	return &Host{
		cfg:        cfg,
		table:      table,
		dispatcher: native.NewDispatcher(table, cfg.Logger),
		logger:     cfg.Logger,
	}, nil
}

// Transport returns the transport operating on the host's resources.
func (h *Host) Transport() native.Transport {
	return h.dispatcher
}

// AddResource registers a caller-owned resource, for example a file to be
// sent with StreamFromResource.
func (h *Host) AddResource(c io.Closer) native.RID {
	return h.dispatcher.Add(c)
}

// Resources returns the number of live resources.
func (h *Host) Resources() int {
	return h.table.Len()
}

// Close releases every resource still registered on the host. Sessions
// normally release their own, so leftovers are logged.
func (h *Host) Close() {
	if left := h.table.Names(); len(left) > 0 {
		names := make([]string, 0, len(left))
		for _, name := range left {
			names = append(names, name)
		}
		h.logger.Debug("closing leftover resources", zap.Strings("resources", names))
	}
	h.table.CloseAll()
}

// ServeConn starts serving HTTP on nc and returns its session. It blocks
// until the protocol is known when both HTTP/1.1 and HTTP/2 are enabled.
// nc is closed if that fails.
func (h *Host) ServeConn(nc net.Conn, opts ...Option) (*Conn, error) {
	res, proto, err := mux.Open(nc, h.muxConfig())
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	rid := h.table.Add(res)

	base := []Option{
		WithLogger(h.logger.With(zap.Stringer("protocol", proto))),
		WithWebSocketIdleTimeout(h.cfg.WebSocketIdleTimeout),
	}
	return NewConn(h.dispatcher, rid, nc.RemoteAddr(), nc.LocalAddr(), append(base, opts...)...), nil
}

func (h *Host) muxConfig() mux.Config {
	return mux.Config{
		EnableH1:      h.cfg.EnableH1,
		EnableH2:      h.cfg.EnableH2,
		DetectTimeout: h.cfg.ReadTimeout,
		H1: h1.Config{
			MaxHeaderBytes: h.cfg.MaxHeaderBytes,
			ReadTimeout:    h.cfg.ReadTimeout,
			WriteTimeout:   h.cfg.WriteTimeout,
			Logger:         h.logger,
		},
		H2: h2.Config{
			MaxConcurrentStreams: h.cfg.MaxConcurrentStreams,
			IdleTimeout:          h.cfg.ReadTimeout,
			WriteTimeout:         h.cfg.WriteTimeout,
			Logger:               h.logger,
		},
		Logger: h.logger,
	}
}
