package mux

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albertbausili/httpconn/internal/h1"
	"github.com/albertbausili/httpconn/internal/h2"
	"github.com/albertbausili/httpconn/internal/native"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Protocol
		wantErr bool
	}{
		{name: "http/1.1 get", input: "GET / HTTP/1.1\r\n", want: ProtocolH1},
		{name: "http/1.1 post", input: "POST /api HTTP/1.1\r\n", want: ProtocolH1},
		{name: "h2 preface", input: http2Preface + "\x00\x00", want: ProtocolH2},
		{name: "bad preface", input: "PRI * HTTP/1.1\r\n\r\nXX\r\n\r\n", wantErr: true},
		{name: "short", input: "GE", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Detect(bufio.NewReader(strings.NewReader(tt.input)))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOpen_SingleProtocolSkipsDetection(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	res, proto, err := Open(server, Config{EnableH1: true})
	require.NoError(t, err)
	defer res.Close()
	assert.Equal(t, ProtocolH1, proto)
	assert.IsType(t, &h1.Conn{}, res)

	server2, client2 := net.Pipe()
	defer client2.Close()
	res, proto, err = Open(server2, Config{EnableH2: true})
	require.NoError(t, err)
	defer res.Close()
	assert.Equal(t, ProtocolH2, proto)
	assert.IsType(t, &h2.Conn{}, res)
}

func TestOpen_DetectsHTTP1AndKeepsPeekedBytes(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	go func() { _, _ = client.Write([]byte("GET /sniffed HTTP/1.1\r\nHost: h\r\n\r\n")) }()

	res, proto, err := Open(server, Config{EnableH1: true, EnableH2: true})
	require.NoError(t, err)
	defer res.Close()
	assert.Equal(t, ProtocolH1, proto)

	acc, ok := res.(native.Acceptor)
	require.True(t, ok)
	in, err := acc.Accept(context.Background())
	require.NoError(t, err)
	require.NotNil(t, in)
	assert.Equal(t, "http://h/sniffed", in.URL)
}

func TestOpen_EOFBeforeFirstByte(t *testing.T) {
	server, client := net.Pipe()
	_ = client.Close()

	_, _, err := Open(server, Config{EnableH1: true, EnableH2: true})
	assert.ErrorIs(t, err, io.EOF)
}
