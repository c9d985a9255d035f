package httpconn

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albertbausili/httpconn/internal/native"
)

const connRID native.RID = 1

func TestNextRequest_RegistersStreams(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport()
	ft.queue(&native.Accepted{Stream: 10, Method: "POST", URL: "http://h/a"})
	ft.queue(&native.Accepted{Stream: 11, Method: "GET", URL: "http://h/b"})
	ft.queue(&native.Accepted{Stream: 12, Method: "HEAD", URL: "http://h/c"})
	c := NewConn(ft, connRID, nil, nil)

	ev, err := c.NextRequest(ctx)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "POST", ev.Request.Method())
	assert.Equal(t, "http://h/a", ev.Request.URL())
	assert.Equal(t, "/a", ev.Request.Path())
	assert.Equal(t, native.RID(10), ev.Stream())
	assert.NotNil(t, ev.Request.Body())
	assert.Same(t, c, ev.Request.Conn())
	assert.Equal(t, 1, c.ManagedCount())

	for _, method := range []string{"GET", "HEAD"} {
		ev, err = c.NextRequest(ctx)
		require.NoError(t, err)
		assert.Equal(t, method, ev.Request.Method())
		assert.Nil(t, ev.Request.Body())
	}
	assert.Equal(t, 3, c.ManagedCount())
	assert.NotEmpty(t, c.ID())
	assert.Equal(t, connRID, c.RID())
}

func TestNextRequest_HeadersFetchedLazilyOnce(t *testing.T) {
	ft := newFakeTransport()
	ft.headers[10] = [][2]string{{"Host", "h"}, {"x-a", "1"}, {"x-a", "2"}}
	ft.queue(&native.Accepted{Stream: 10, Method: "GET", URL: "http://h/"})
	c := NewConn(ft, connRID, nil, nil)

	ev, err := c.NextRequest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, ft.headerCalls)

	assert.Equal(t, "h", ev.Request.Header("host"))
	assert.Equal(t, "1", ev.Request.Header("X-A"))
	h, err := ev.Request.Headers()
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, h.Values("x-a"))
	assert.Equal(t, 1, ft.headerCalls)

	// The returned copy does not alias the request.
	h.Set("host", "other")
	assert.Equal(t, "h", ev.Request.Header("host"))
}

func TestNextRequest_BodyReadsStream(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport()
	ft.setBody(10, "payload")
	ft.queue(&native.Accepted{Stream: 10, Method: "PUT", URL: "http://h/"})
	c := NewConn(ft, connRID, nil, nil)

	ev, err := c.NextRequest(ctx)
	require.NoError(t, err)
	body := ev.Request.Body()
	require.NotNil(t, body)
	require.NotNil(t, body.Backing())
	assert.Equal(t, native.RID(10), body.Backing().RID)
	assert.False(t, body.Backing().AutoClose)

	data, err := body.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, 0, ft.closeCount(10))
}

func TestNextRequest_GracefulAcceptErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "bad resource", err: native.New("accept", native.KindBadResource, "bad resource id")},
		{name: "interrupted", err: native.New("accept", native.KindInterrupted, "operation canceled")},
		{name: "connection closed kind", err: native.New("accept", native.KindConnectionClosed, "peer reset")},
		{name: "connection closed message", err: errors.New("http: connection closed before message completed")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := newFakeTransport()
			ft.queueErr(tt.err)
			c := NewConn(ft, connRID, nil, nil)

			ev, err := c.NextRequest(context.Background())
			assert.NoError(t, err)
			assert.Nil(t, ev)
			assert.True(t, c.Closed())
			assert.Equal(t, tt.err, c.Err())
			assert.Equal(t, 1, ft.closeCount(connRID))
		})
	}
}

func TestNextRequest_OtherAcceptErrorIsReturned(t *testing.T) {
	ft := newFakeTransport()
	boom := errors.New("boom")
	ft.queueErr(boom)
	c := NewConn(ft, connRID, nil, nil)

	ev, err := c.NextRequest(context.Background())
	assert.Nil(t, ev)
	assert.ErrorIs(t, err, boom)
	assert.True(t, c.Closed())
	assert.Equal(t, boom, c.Err())
}

func TestNextRequest_AcceptErrorVisibleDuringSweep(t *testing.T) {
	ft := newFakeTransport()
	reset := native.New("accept", native.KindConnectionClosed, "peer reset")
	ft.queue(&native.Accepted{Stream: 10, Method: "GET", URL: "http://h/"})
	ft.queueErr(reset)
	c := NewConn(ft, connRID, nil, nil)

	_, err := c.NextRequest(context.Background())
	require.NoError(t, err)

	var substituted error
	ft.onClose = func(rid native.RID) {
		if rid == 10 {
			substituted = c.substitute(native.New("write", native.KindBadResource, "bad resource id"))
		}
	}
	ev, err := c.NextRequest(context.Background())
	require.NoError(t, err)
	require.Nil(t, ev)
	require.Error(t, substituted)
	assert.Equal(t, native.KindConnectionClosed, native.KindOf(substituted))
	assert.Contains(t, substituted.Error(), "peer reset")
}

func TestNextRequest_EndOfStreamClosesSession(t *testing.T) {
	ft := newFakeTransport()
	c := NewConn(ft, connRID, nil, nil)

	ev, err := c.NextRequest(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, ev)
	assert.True(t, c.Closed())
	assert.Equal(t, 1, ft.closeCount(connRID))
	assert.NoError(t, c.Err())
}

func TestNextRequest_AfterCloseDoesNotTouchTransport(t *testing.T) {
	ft := newFakeTransport()
	ft.queue(&native.Accepted{Stream: 10, Method: "GET", URL: "http://h/"})
	c := NewConn(ft, connRID, nil, nil)
	require.NoError(t, c.Close())
	ft.reset()

	ev, err := c.NextRequest(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, ev)
	assert.Empty(t, ft.ops())
}

func TestClose_ReleasesEveryResourceOnce(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport()
	ft.queue(&native.Accepted{Stream: 10, Method: "GET", URL: "http://h/"})
	ft.queue(&native.Accepted{Stream: 11, Method: "GET", URL: "http://h/"})
	c := NewConn(ft, connRID, nil, nil)

	ev1, err := c.NextRequest(ctx)
	require.NoError(t, err)
	ev2, err := c.NextRequest(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.Equal(t, 1, ft.closeCount(connRID))
	assert.Equal(t, 1, ft.closeCount(10))
	assert.Equal(t, 1, ft.closeCount(11))
	assert.Equal(t, 0, c.ManagedCount())
	assert.Error(t, ev1.Request.Context().Err())
	assert.Error(t, ev2.Request.Context().Err())

	// Responding after the sweep must not close the stream again.
	_ = ev1.RespondWith(ctx, NewResponse(200, nil))
	assert.Equal(t, 1, ft.closeCount(10))
}

func TestAll_IteratesUntilEnd(t *testing.T) {
	ft := newFakeTransport()
	for i := native.RID(10); i < 13; i++ {
		ft.queue(&native.Accepted{Stream: i, Method: "GET", URL: "http://h/"})
	}
	c := NewConn(ft, connRID, nil, nil)

	var streams []native.RID
	for ev, err := range c.All(context.Background()) {
		require.NoError(t, err)
		streams = append(streams, ev.Stream())
	}
	assert.Equal(t, []native.RID{10, 11, 12}, streams)
	assert.True(t, c.Closed())
}

func TestAll_StopsAtFirstError(t *testing.T) {
	ft := newFakeTransport()
	boom := errors.New("boom")
	ft.queue(&native.Accepted{Stream: 10, Method: "GET", URL: "http://h/"})
	ft.queueErr(boom)
	ft.queue(&native.Accepted{Stream: 11, Method: "GET", URL: "http://h/"})
	c := NewConn(ft, connRID, nil, nil)

	var events int
	var errs []error
	for ev, err := range c.All(context.Background()) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		require.NotNil(t, ev)
		events++
	}
	assert.Equal(t, 1, events)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
}

func TestAll_BreakKeepsSessionOpen(t *testing.T) {
	ft := newFakeTransport()
	ft.queue(&native.Accepted{Stream: 10, Method: "GET", URL: "http://h/"})
	ft.queue(&native.Accepted{Stream: 11, Method: "GET", URL: "http://h/"})
	c := NewConn(ft, connRID, nil, nil)

	for range c.All(context.Background()) {
		break
	}
	assert.False(t, c.Closed())
	assert.Equal(t, 1, c.ManagedCount())
}
