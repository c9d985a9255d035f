package httpconn

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestReadableStream_ReaderLocks(t *testing.T) {
	s := StreamFromChunks([]byte("a"))
	r, err := s.Reader()
	require.NoError(t, err)
	assert.True(t, s.Locked())
	assert.False(t, s.Disturbed())

	_, err = s.Reader()
	assert.ErrorIs(t, err, ErrStreamLocked)
	assert.ErrorIs(t, s.Cancel(nil), ErrStreamLocked)

	r.Release()
	r.Release()
	assert.False(t, s.Locked())
	_, _, err = r.Read(context.Background())
	assert.Error(t, err)
}

func TestReadableStream_ReadAll(t *testing.T) {
	s := StreamFromChunks([]byte("ab"), "cd", []byte("e"))
	data, err := s.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abcde", string(data))
	assert.True(t, s.Disturbed())
	assert.False(t, s.Locked())

	_, err = StreamFromChunks([]byte("a"), 1).ReadAll(context.Background())
	assert.ErrorIs(t, err, ErrNotBytes)
}

func TestReadableStream_CancelClosesSource(t *testing.T) {
	src := &closeTracker{Reader: strings.NewReader("data")}
	s := StreamFromReader(src)
	require.NoError(t, s.Cancel(errors.New("stop")))
	assert.True(t, src.closed)
	assert.True(t, s.Disturbed())

	r, err := s.Reader()
	require.NoError(t, err)
	_, done, err := r.Read(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
}

func TestReadableStream_SourceErrorSticks(t *testing.T) {
	boom := errors.New("boom")
	s := StreamFromReader(io.MultiReader(strings.NewReader("x"), &failingReader{err: boom}))
	r, err := s.Reader()
	require.NoError(t, err)
	defer r.Release()

	chunk, _, err := r.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), chunk)
	_, _, err = r.Read(context.Background())
	assert.ErrorIs(t, err, boom)
	_, _, err = r.Read(context.Background())
	assert.ErrorIs(t, err, boom)
}

type failingReader struct{ err error }

func (f *failingReader) Read([]byte) (int, error) { return 0, f.err }

func TestStreamFromResource(t *testing.T) {
	ft := newFakeTransport()
	ft.setBody(5, "resource body")

	s := StreamFromResource(ft, 5, true)
	require.NotNil(t, s.Backing())
	assert.True(t, s.Backing().AutoClose)

	data, err := s.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "resource body", string(data))
	assert.Equal(t, 1, ft.closeCount(5))

	s2 := StreamFromResource(ft, 6, true)
	require.NoError(t, s2.Cancel(nil))
	require.NoError(t, s2.Cancel(nil))
	assert.Equal(t, 1, ft.closeCount(6))
}

func TestBody(t *testing.T) {
	b := BytesBody(nil)
	assert.Equal(t, int64(0), b.Len())
	assert.NotNil(t, b.consume())
	assert.True(t, b.Unusable())

	sb := StreamBody(StreamFromChunks(), -5)
	assert.Equal(t, int64(-1), sb.Len())
	assert.True(t, sb.streamed())
	assert.NotNil(t, sb.Stream())

	assert.False(t, StreamBody(StreamFromChunks(), 10).streamed())
	assert.True(t, BlobBody(StreamFromChunks(), 10).streamed())
	assert.Nil(t, StringBody("x").Stream())
}
