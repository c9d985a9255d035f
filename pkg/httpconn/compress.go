package httpconn

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// CompressConfig holds configuration for the Compress middleware.
type CompressConfig struct {
	// Level specifies the compression level (1-9 for gzip, 0-11 for brotli)
	Level int
	// MinSize specifies the minimum response size to compress (default: 1024 bytes)
	MinSize int
	// ExcludedTypes lists content type prefixes to skip compression
	ExcludedTypes []string
}

// DefaultCompressConfig returns a CompressConfig with sensible defaults.
func DefaultCompressConfig() CompressConfig {
	return CompressConfig{
		Level:   6, // balanced compression
		MinSize: 1024,
		ExcludedTypes: []string{
			"image/",
			"video/",
			"audio/",
			"application/zip",
			"application/gzip",
		},
	}
}

// Compress returns a middleware that compresses static response bodies with
// brotli or gzip. Streamed bodies and upgrades pass through untouched.
func Compress() Middleware {
	return CompressWithConfig(DefaultCompressConfig())
}

// CompressWithConfig returns a middleware that compresses response bodies with custom configuration.
func CompressWithConfig(config CompressConfig) Middleware {
	if config.MinSize == 0 {
		config.MinSize = 1024
	}
	if config.Level == 0 {
		config.Level = 6
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
			acceptEncoding := req.Header("accept-encoding")
			supportsBrotli := hasToken(acceptEncoding, "br")
			supportsGzip := hasToken(acceptEncoding, "gzip")

			resp, err := next.ServeRequest(ctx, req)
			if err != nil || resp == nil || (!supportsBrotli && !supportsGzip) {
				return resp, err
			}
			b := resp.Body
			if resp.ws != nil || b == nil || b.stream != nil || b.Unusable() || len(b.data) < config.MinSize {
				return resp, nil
			}
			if resp.Headers.Has("content-encoding") {
				return resp, nil
			}
			contentType := resp.Headers.Get("content-type")
			for _, excluded := range config.ExcludedTypes {
				if strings.HasPrefix(contentType, excluded) {
					return resp, nil
				}
			}

			var compressed bytes.Buffer
			var w io.WriteCloser
			encoding := "gzip"
			if supportsBrotli {
				w, encoding = brotli.NewWriterLevel(&compressed, config.Level), "br"
			} else if w, err = gzip.NewWriterLevel(&compressed, config.Level); err != nil {
				return resp, nil
			}
			if _, werr := w.Write(b.data); werr != nil {
				_ = w.Close()
				return resp, nil
			}
			if cerr := w.Close(); cerr != nil {
				return resp, nil
			}

			// Only use compressed version if it's actually smaller
			if compressed.Len() > 0 && compressed.Len() < len(b.data) {
				resp.Body = BytesBody(compressed.Bytes())
				resp.Headers.Set("content-encoding", encoding)
				resp.Headers.Add("vary", "Accept-Encoding")
				resp.Headers.Del("content-length")
			}
			return resp, nil
		})
	}
}
