package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/park285/cheese-chat/internal/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func newTestClient(t *testing.T, h fasthttp.RequestHandler, opts ...Option) *Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: h}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		_ = srv.Shutdown()
		_ = ln.Close()
	})
	opts = append([]Option{
		WithDial(func(string) (net.Conn, error) { return ln.Dial() }),
		WithHeaderProvider(func() map[string]string { return map[string]string{"X-User-Id": "7"} }),
		WithTimeout(2 * time.Second),
	}, opts...)
	return NewClient("http://backend.test", opts...)
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	b, _ := json.Marshal(v)
	ctx.SetBody(b)
}

func TestSaveMessageRetriesOn5xx(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		assert.Equal(t, "/messages", string(ctx.Path()))
		assert.Equal(t, "tok-1", string(ctx.Request.Header.Peek("Idempotency-Key")))
		assert.Equal(t, "7", string(ctx.Request.Header.Peek("X-User-Id")))
		if atomic.AddInt32(&calls, 1) == 1 {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			return
		}
		var in SaveRequest
		assert.NoError(t, json.Unmarshal(ctx.PostBody(), &in))
		assert.Equal(t, "tok-1", in.TempID)
		writeJSON(ctx, 200, SaveResponse{MessageID: 42})
	})

	msg := &chat.Message{ID: chat.Temp("tok-1"), ChannelID: 3, Kind: chat.KindText, Content: "hi"}
	out, err := c.SaveMessage(context.Background(), msg)
	require.NoError(t, err)
	require.EqualValues(t, 42, out.MessageID)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestClientErrorIsConfirmedFailure(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		atomic.AddInt32(&calls, 1)
		ctx.SetStatusCode(fasthttp.StatusForbidden)
		ctx.SetBodyString("not a member")
	})
	_, err := c.SaveMessage(context.Background(), &chat.Message{ID: chat.Temp("t"), ChannelID: 1, Kind: chat.KindText})
	require.Error(t, err)
	require.True(t, chat.IsConfirmedFailure(err))
	require.EqualValues(t, 1, atomic.LoadInt32(&calls), "4xx is never retried")
}

func TestServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
	}, WithRetry(2))
	err := c.PostReaction(context.Background(), chat.Persisted(5), "like")
	require.ErrorIs(t, err, ErrUnavailable)
	require.False(t, chat.IsConfirmedFailure(err))
}

func TestReactionOnTempMessageIsRejected(t *testing.T) {
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		t.Errorf("no request expected")
	})
	err := c.PostReaction(context.Background(), chat.Temp("x"), "like")
	require.True(t, chat.IsConfirmedFailure(err))
}

func TestRemoveReactionNotFoundIsNoop(t *testing.T) {
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		assert.Equal(t, fasthttp.MethodDelete, string(ctx.Method()))
		assert.Equal(t, "/messages/5/reactions/like", string(ctx.Path()))
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	})
	require.NoError(t, c.RemoveReaction(context.Background(), chat.Persisted(5), "like"))
}

func TestLoadMoreMessages(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		assert.Equal(t, "/channels/9/messages", string(ctx.Path()))
		args := ctx.QueryArgs()
		assert.Equal(t, "100", string(args.Peek("before")))
		assert.Equal(t, "20", string(args.Peek("limit")))
		assert.Equal(t, "4", string(args.Peek("subjectId")))
		writeJSON(ctx, 200, chat.Page{HasMore: true, Messages: []*chat.Message{
			{ID: chat.Persisted(99), Kind: chat.KindText, Content: "a", Timestamp: now},
			{ID: chat.Temp("junk"), Kind: chat.KindText},
		}})
	})
	scope := chat.Scope{Channel: 9, Topic: 4}
	page, err := c.LoadMoreMessages(context.Background(), scope, 100, 20)
	require.NoError(t, err)
	require.True(t, page.HasMore)
	require.Len(t, page.Messages, 1)
	require.Equal(t, scope, page.Messages[0].Scope())
	require.Equal(t, chat.StatusConfirmed, page.Messages[0].Status)
}

func TestFetchCurrentChessState(t *testing.T) {
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/channels/1/chess":
			writeJSON(ctx, 200, chat.ChessState{
				MovesUCI: []string{"e2e4"},
				Move:     chat.ChessMove{Number: 1, By: 10, UCI: "e2e4"},
				Previous: &chat.ChessState{Previous: &chat.ChessState{}},
			})
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	})
	st, err := c.FetchCurrentChessState(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, st.Move.Number)
	require.NotNil(t, st.Previous)
	require.Nil(t, st.Previous.Previous)

	none, err := c.FetchCurrentChessState(context.Background(), 2)
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestResolveNamesAndUpload(t *testing.T) {
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/users":
			assert.Equal(t, "1,2", string(ctx.QueryArgs().Peek("ids")))
			writeJSON(ctx, 200, []chat.UserRef{{ID: 1, Username: "alice"}, {ID: 2}})
		case "/channels/3/attachments":
			assert.Equal(t, "image/png", string(ctx.Request.Header.ContentType()))
			assert.Equal(t, []byte{1, 2, 3}, ctx.PostBody())
			writeJSON(ctx, 200, chat.Attachment{FilePath: "/f/1.png"})
		}
	})
	names, err := c.ResolveNames(context.Background(), []chat.UserID{1, 2})
	require.NoError(t, err)
	require.Equal(t, map[chat.UserID]string{1: "alice"}, names)

	att, err := c.Upload(context.Background(), 3, File{Name: "a.png", ContentType: "image/png", Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	require.Equal(t, "/f/1.png", att.FilePath)
	require.Equal(t, "a.png", att.FileName)
	require.Equal(t, "image/png", att.FileType)
}

func TestContextCancelStopsRetries(t *testing.T) {
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	}, WithRetry(6))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.SetChessMoveViewTimeStamp(ctx, 1, 2, time.Now())
	require.Error(t, err)
	require.False(t, errors.Is(err, chat.ErrRejected))
}
