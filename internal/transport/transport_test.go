package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/park285/cheese-chat/internal/chat"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func TestLoopbackRoutesToPeersOnly(t *testing.T) {
	hub := NewLoopback()
	a, b := hub.Endpoint(1), hub.Endpoint(2)
	ctx := context.Background()
	_ = a.Connect(ctx)
	_ = b.Connect(ctx)

	var gotA, gotB []Frame
	a.On(EventNewMessageReceived, func(_ context.Context, f Frame) { gotA = append(gotA, f) })
	b.On(EventNewMessageReceived, func(_ context.Context, f Frame) { gotB = append(gotB, f) })

	if err := a.Emit(ctx, EventNewChatMessage, map[string]string{"content": "hi"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(gotA) != 0 || len(gotB) != 1 {
		t.Fatalf("sender must not receive its own frame: a=%d b=%d", len(gotA), len(gotB))
	}
	if gotB[0].From != 1 {
		t.Fatalf("from not stamped: %+v", gotB[0])
	}
}

func TestLoopbackArbiterRejectsWithoutFanout(t *testing.T) {
	hub := NewLoopback()
	hub.SetArbiter(func(_ chat.UserID, f Frame) Ack {
		mv, _ := Decode[MovePayload](f.Data)
		if mv.Number != 1 {
			return Ack{OK: false, Reason: "stale"}
		}
		return Ack{OK: true}
	})
	a, b := hub.Endpoint(1), hub.Endpoint(2)
	ctx := context.Background()
	_ = a.Connect(ctx)
	_ = b.Connect(ctx)
	n := 0
	b.On(EventUserMadeMove, func(context.Context, Frame) { n++ })

	ack, err := a.EmitWithAck(ctx, EventUserMadeMove, MovePayload{ChannelID: 5, Number: 2, By: 1, UCI: "e2e4"})
	if err != nil || ack.OK {
		t.Fatalf("expected rejection, got %+v %v", ack, err)
	}
	ack, _ = a.EmitWithAck(ctx, EventUserMadeMove, MovePayload{ChannelID: 5, Number: 1, By: 1, UCI: "e2e4"})
	if !ack.OK || n != 1 {
		t.Fatalf("expected accepted + 1 delivery, ack=%+v n=%d", ack, n)
	}
}

func TestLoopbackDisconnectedEndpointMissesFrames(t *testing.T) {
	hub := NewLoopback()
	a, b := hub.Endpoint(1), hub.Endpoint(2)
	ctx := context.Background()
	_ = a.Connect(ctx)
	_ = b.Connect(ctx)

	var states []State
	b.OnStateChange(func(s State) { states = append(states, s) })
	n := 0
	b.On(EventEditMessage, func(context.Context, Frame) { n++ })

	b.SetState(StateReconnecting)
	_ = a.Emit(ctx, EventEditMessage, EditPayload{})
	b.SetState(StateConnected)
	_ = a.Emit(ctx, EventEditMessage, EditPayload{})

	if n != 1 {
		t.Fatalf("expected one delivery after reconnect, got %d", n)
	}
	if len(states) != 2 || states[1] != StateConnected {
		t.Fatalf("unexpected state changes: %v", states)
	}
	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Emit(ctx, EventEditMessage, nil); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

// ackServer acks every frame carrying a seq and pushes one event after connect.
func ackServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-User-Id") != "7" {
			http.Error(w, "who", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		_ = wsjson.Write(ctx, conn, Frame{Event: EventTimerCleared, Data: []byte(`{"channelId":3}`)})
		for {
			var f Frame
			if err := wsjson.Read(ctx, conn, &f); err != nil {
				return
			}
			if f.Seq != 0 {
				_ = wsjson.Write(ctx, conn, Frame{Event: EventAck, Seq: f.Seq, Ack: &Ack{OK: true, Reason: string(f.Event)}})
			}
		}
	}))
}

func TestWSClientAckAndDispatch(t *testing.T) {
	srv := ackServer(t)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	c := NewWSClient(url, 0, 10*time.Millisecond, WithHeaders(func() map[string]string {
		return map[string]string{"X-User-Id": "7", "": "skip"}
	}))
	var wg sync.WaitGroup
	wg.Add(1)
	var got TimerPayload
	c.On(EventTimerCleared, func(_ context.Context, f Frame) {
		got, _ = Decode[TimerPayload](f.Data)
		wg.Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("state: %v", c.State())
	}
	wg.Wait()
	if got.ChannelID != 3 {
		t.Fatalf("dispatch payload: %+v", got)
	}

	ack, err := c.EmitWithAck(ctx, EventUserMadeMove, MovePayload{ChannelID: 3, Number: 1})
	if err != nil {
		t.Fatalf("EmitWithAck: %v", err)
	}
	if !ack.OK || ack.Reason != string(EventUserMadeMove) {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Emit(ctx, EventLeaveChannel, nil); err != ErrNotConnected {
		t.Fatalf("emit after close: %v", err)
	}
}

func TestBackoffDuration(t *testing.T) {
	if backoffDuration(time.Second, 1) != time.Second {
		t.Fatalf("first attempt should use base")
	}
	if backoffDuration(time.Second, 10) != 32*time.Second {
		t.Fatalf("backoff must cap at 32x")
	}
}
