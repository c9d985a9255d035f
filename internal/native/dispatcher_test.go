package native

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albertbausili/httpconn/internal/resource"
)

type testStream struct {
	head    ResponseHead
	chunks  [][]byte
	shut    bool
	closed  bool
	headers [][2]string
}

func (s *testStream) Name() string                { return "testStream" }
func (s *testStream) Close() error                { s.closed = true; return nil }
func (s *testStream) RequestHeaders() [][2]string { return s.headers }

func (s *testStream) WriteHead(_ context.Context, head ResponseHead) error {
	s.head = head
	return nil
}

func (s *testStream) WriteChunk(_ context.Context, p []byte) error {
	s.chunks = append(s.chunks, append([]byte(nil), p...))
	return nil
}

func (s *testStream) Shutdown(_ context.Context) error {
	s.shut = true
	return nil
}

type testConn struct {
	queue []*Incoming
	err   error
}

func (c *testConn) Name() string { return "testConn" }
func (c *testConn) Close() error { return nil }

func (c *testConn) Accept(_ context.Context) (*Incoming, error) {
	if c.err != nil {
		return nil, c.err
	}
	if len(c.queue) == 0 {
		return nil, nil
	}
	in := c.queue[0]
	c.queue = c.queue[1:]
	return in, nil
}

func TestDispatcher_AcceptRegistersStream(t *testing.T) {
	table := resource.NewTable()
	d := NewDispatcher(table, nil)

	stream := &testStream{headers: [][2]string{{"host", "example.com"}}}
	conn := d.Add(&testConn{queue: []*Incoming{{Stream: stream, Method: "GET", URL: "http://example.com/"}}})

	acc, err := d.Accept(context.Background(), conn)
	require.NoError(t, err)
	require.NotNil(t, acc)
	assert.Equal(t, "GET", acc.Method)
	assert.Equal(t, "http://example.com/", acc.URL)

	headers, err := d.Headers(acc.Stream)
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"host", "example.com"}}, headers)

	acc, err = d.Accept(context.Background(), conn)
	require.NoError(t, err)
	assert.Nil(t, acc)
}

func TestDispatcher_AcceptErrorIsTyped(t *testing.T) {
	d := NewDispatcher(resource.NewTable(), nil)
	conn := d.Add(&testConn{err: context.Canceled})

	_, err := d.Accept(context.Background(), conn)
	require.Error(t, err)
	assert.True(t, IsInterrupted(err))
}

func TestDispatcher_UnknownRID(t *testing.T) {
	d := NewDispatcher(resource.NewTable(), nil)

	_, err := d.Accept(context.Background(), 42)
	assert.True(t, IsBadResource(err))

	err = d.WriteHeaders(context.Background(), 42, ResponseHead{Status: 200})
	assert.True(t, IsBadResource(err))

	err = d.Close(42)
	assert.True(t, IsBadResource(err))
}

func TestDispatcher_MissingCapability(t *testing.T) {
	d := NewDispatcher(resource.NewTable(), nil)
	rid := d.Add(io.NopCloser(strings.NewReader("x")))

	err := d.Shutdown(context.Background(), rid)
	require.Error(t, err)
	assert.True(t, IsBadResource(err))
}

func TestDispatcher_WriteResourceFallsBackToChunks(t *testing.T) {
	table := resource.NewTable()
	d := NewDispatcher(table, nil)

	stream := &testStream{}
	sid := table.Add(stream)
	src := d.Add(io.NopCloser(bytes.NewReader([]byte("file contents"))))

	require.NoError(t, d.WriteResource(context.Background(), sid, src))
	assert.Equal(t, "file contents", string(bytes.Join(stream.chunks, nil)))
}

func TestDispatcher_WriteToPlainWriter(t *testing.T) {
	d := NewDispatcher(resource.NewTable(), nil)

	var buf bytes.Buffer
	rid := d.Add(struct {
		io.Writer
		io.Closer
	}{&buf, io.NopCloser(nil)})

	require.NoError(t, d.Write(context.Background(), rid, []byte("raw")))
	assert.Equal(t, "raw", buf.String())
}

func TestDispatcher_ReadHonoursContext(t *testing.T) {
	d := NewDispatcher(resource.NewTable(), nil)
	rid := d.Add(io.NopCloser(strings.NewReader("data")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Read(ctx, rid, make([]byte, 4))
	assert.True(t, IsInterrupted(err))

	n, err := d.Read(context.Background(), rid, make([]byte, 4))
	assert.Equal(t, 4, n)
	assert.NoError(t, err)

	_, err = d.Read(context.Background(), rid, make([]byte, 4))
	assert.True(t, errors.Is(err, io.EOF))
}
