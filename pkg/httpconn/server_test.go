package httpconn

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

// startServer serves h on a loopback listener until the test ends.
func startServer(t *testing.T, h Handler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.ReadTimeout = 5 * time.Second
	srv := &Server{Handler: h, Config: cfg}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errc:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return ln.Addr().String()
}

func newClient() *http.Client {
	return &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
}

func routes() Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		switch req.Path() {
		case "/hello":
			return Text(200, "hello "+req.Method()), nil
		case "/echo":
			data, err := req.Body().ReadAll(ctx)
			if err != nil {
				return nil, err
			}
			resp := NewResponse(200, BytesBody(data))
			resp.Headers.Set("x-echo-length", fmt.Sprint(len(data)))
			return resp, nil
		case "/stream":
			return NewResponse(200, StreamBody(StreamFromChunks([]byte("a"), []byte("b"), []byte("c")), -1)), nil
		case "/echo-stream":
			resp := NewResponse(200, StreamBody(req.Body(), -1))
			if n := req.Header("content-length"); n != "" && strings.Contains(req.URL(), "length=1") {
				resp.Headers.Set("content-length", n)
			}
			return resp, nil
		case "/fail":
			return nil, errors.New("handler failed")
		}
		return Text(404, "not found"), nil
	})
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestServer_HTTP1(t *testing.T) {
	addr := startServer(t, Chain(Recovery(nil), RequestID())(routes()))
	client := newClient()
	base := "http://" + addr

	resp, err := client.Get(base + "/hello")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
	assert.Equal(t, "hello GET", readBody(t, resp))

	resp, err = client.Post(base+"/echo", "application/octet-stream", strings.NewReader("payload"))
	require.NoError(t, err)
	assert.Equal(t, "7", resp.Header.Get("X-Echo-Length"))
	assert.Equal(t, "payload", readBody(t, resp))

	resp, err = client.Get(base + "/stream")
	require.NoError(t, err)
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.Equal(t, "abc", readBody(t, resp))

	resp, err = client.Get(base + "/fail")
	require.NoError(t, err)
	assert.Equal(t, 500, resp.StatusCode)
	assert.Equal(t, "Internal Server Error", readBody(t, resp))

	req, err := http.NewRequest(http.MethodHead, base+"/hello", nil)
	require.NoError(t, err)
	resp, err = client.Do(req)
	require.NoError(t, err)
	assert.Equal(t, "", readBody(t, resp))
}

func TestServer_HTTP1EchoesRequestStream(t *testing.T) {
	addr := startServer(t, routes())
	client := newClient()

	tests := []struct {
		name    string
		url     string
		chunked bool
	}{
		{name: "chunked", url: "/echo-stream", chunked: true},
		{name: "content-length", url: "/echo-stream?length=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := client.Post("http://"+addr+tt.url, "text/plain", strings.NewReader("payload"))
			require.NoError(t, err)
			if tt.chunked {
				assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
			} else {
				assert.Equal(t, int64(7), resp.ContentLength)
			}
			assert.Equal(t, "payload", readBody(t, resp))
		})
	}
}

func TestServer_HTTP10EchoesRequestStream(t *testing.T) {
	addr := startServer(t, routes())

	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer nc.Close()
	require.NoError(t, nc.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(nc, "POST /echo-stream HTTP/1.0\r\nHost: x\r\nContent-Length: 7\r\n\r\npayload")
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(nc), nil)
	require.NoError(t, err)
	assert.Nil(t, resp.TransferEncoding)
	assert.Equal(t, "payload", readBody(t, resp))
}

func TestServer_KeepAlive(t *testing.T) {
	addr := startServer(t, routes())

	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer nc.Close()
	br := bufio.NewReader(nc)

	for i := range 3 {
		_, err := fmt.Fprintf(nc, "GET /hello HTTP/1.1\r\nHost: x\r\n\r\n")
		require.NoError(t, err)
		resp, err := http.ReadResponse(br, nil)
		require.NoError(t, err, "request %d", i)
		assert.Equal(t, "hello GET", readBody(t, resp))
	}
}

func TestServer_HTTP2PriorKnowledge(t *testing.T) {
	addr := startServer(t, routes())
	tr := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
	defer tr.CloseIdleConnections()
	client := &http.Client{Timeout: 5 * time.Second, Transport: tr}

	resp, err := client.Get("http://" + addr + "/hello")
	require.NoError(t, err)
	assert.Equal(t, 2, resp.ProtoMajor)
	assert.Equal(t, "hello GET", readBody(t, resp))

	resp, err = client.Post("http://"+addr+"/echo", "text/plain", strings.NewReader("over h2"))
	require.NoError(t, err)
	assert.Equal(t, "over h2", readBody(t, resp))

	resp, err = client.Get("http://" + addr + "/stream")
	require.NoError(t, err)
	assert.Equal(t, "abc", readBody(t, resp))

	for _, path := range []string{"/echo-stream", "/echo-stream?length=1"} {
		resp, err = client.Post("http://"+addr+path, "text/plain", strings.NewReader("payload"))
		require.NoError(t, err, path)
		assert.Equal(t, "payload", readBody(t, resp), path)
	}
}

func TestServer_WebSocket(t *testing.T) {
	closed := make(chan CloseEvent, 1)
	addr := startServer(t, HandlerFunc(func(_ context.Context, req *Request) (*Response, error) {
		resp, sock, err := UpgradeWebSocket(req, WebSocketOptions{Protocol: "chat"})
		if err != nil {
			return Text(400, err.Error()), nil
		}
		sock.OnMessage(func(m MessageEvent) {
			_ = sock.SendText(context.Background(), "echo:"+string(m.Data))
		})
		sock.OnClose(func(e CloseEvent) { closed <- e })
		return resp, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dialer := ws.Dialer{Protocols: []string{"chat", "other"}}
	conn, br, hs, err := dialer.Dial(ctx, "ws://"+addr+"/ws")
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "chat", hs.Protocol)

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	rw := struct {
		io.Reader
		io.Writer
	}{r, conn}

	require.NoError(t, wsutil.WriteClientText(conn, []byte("hi")))
	msg, err := wsutil.ReadServerText(rw)
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(msg))

	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "bye"))
	require.NoError(t, ws.WriteFrame(conn, ws.MaskFrameInPlace(frame)))

	select {
	case ev := <-closed:
		assert.Equal(t, CloseEvent{Code: CloseNormal, Reason: "bye", WasClean: true}, ev)
	case <-time.After(5 * time.Second):
		t.Fatal("no close event")
	}

	// The server answers with its own close frame.
	hdr, err := ws.ReadHeader(r)
	require.NoError(t, err)
	assert.Equal(t, ws.OpClose, hdr.OpCode)
}

func TestServer_WebSocketRejectsPlainRequest(t *testing.T) {
	addr := startServer(t, HandlerFunc(func(_ context.Context, req *Request) (*Response, error) {
		resp, _, err := UpgradeWebSocket(req, WebSocketOptions{})
		if err != nil {
			return Text(400, err.Error()), nil
		}
		return resp, nil
	}))

	resp, err := newClient().Get("http://" + addr + "/ws")
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
	assert.Equal(t, "Invalid Header: 'upgrade' header must contain 'websocket'", readBody(t, resp))
}

func TestServer_RawUpgrade(t *testing.T) {
	upgraded := make(chan RawConn, 1)
	addr := startServer(t, HandlerFunc(func(_ context.Context, req *Request) (*Response, error) {
		pc, err := UpgradeHTTP(req)
		if err != nil {
			return nil, err
		}
		go func() {
			conn, _, err := pc.Wait(context.Background())
			if err != nil {
				return
			}
			upgraded <- conn
			defer conn.Close()
			buf := make([]byte, 4)
			if _, err := io.ReadFull(conn, buf); err != nil {
				return
			}
			_, _ = conn.Write(bytes.ToUpper(buf))
		}()
		resp := NewResponse(http.StatusSwitchingProtocols, nil)
		resp.Headers.Set("upgrade", "shout")
		resp.Headers.Set("connection", "Upgrade")
		return resp, nil
	}))

	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer nc.Close()
	_, err = io.WriteString(nc, "GET /raw HTTP/1.1\r\nHost: x\r\nUpgrade: shout\r\nConnection: Upgrade\r\n\r\n")
	require.NoError(t, err)

	br := bufio.NewReader(nc)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	assert.Equal(t, 101, resp.StatusCode)
	assert.Equal(t, "shout", resp.Header.Get("Upgrade"))

	select {
	case conn := <-upgraded:
		assert.IsType(t, &TCPConn{}, conn)
		assert.Equal(t, nc.LocalAddr().String(), conn.RemoteAddr().String())
	case <-time.After(5 * time.Second):
		t.Fatal("upgrade did not complete")
	}

	_, err = io.WriteString(nc, "ping")
	require.NoError(t, err)
	reply := make([]byte, 4)
	_, err = io.ReadFull(br, reply)
	require.NoError(t, err)
	assert.Equal(t, "PING", string(reply))
}

func TestServer_ListenerClosedElsewhere(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &Server{Handler: routes(), Config: DefaultConfig()}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(context.Background(), ln) }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ln.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_NilHandler(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	srv := &Server{Config: DefaultConfig()}
	assert.Error(t, srv.Serve(context.Background(), ln))
}

func TestServer_ListenAndServe(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	require.NoError(t, probe.Close())

	cfg := DefaultConfig()
	cfg.Addr = addr
	cfg.ReusePort = false
	srv := &Server{Handler: routes(), Config: cfg}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(ctx) }()

	client := newClient()
	require.Eventually(t, func() bool {
		resp, err := client.Get("http://" + addr + "/hello")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		return err == nil && string(data) == "hello GET"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_ListenAndServeInvalidConfig(t *testing.T) {
	srv := &Server{Handler: routes(), Config: Config{Engine: "epoll"}}
	assert.Error(t, srv.ListenAndServe(context.Background()))
}
