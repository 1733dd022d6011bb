package countdown

import (
	"context"
	"testing"

	"github.com/park285/cheese-chat/internal/transport"
)

type recEmitter struct{ frames []transport.TimerPayload }

func (r *recEmitter) Emit(_ context.Context, ev transport.Event, p any) error {
	if ev == transport.EventStartTimer {
		r.frames = append(r.frames, p.(transport.TimerPayload))
	}
	return nil
}

func TestCountdownSignalsGaveUp(t *testing.T) {
	em := &recEmitter{}
	c := New(em, nil)
	if err := c.Start(context.Background(), 5, 1, 3); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(em.frames) != 1 || em.frames[0].Seconds != 3 {
		t.Fatalf("start_chess_timer not emitted: %+v", em.frames)
	}
	c.OnNumber(5, 2)
	c.OnNumber(5, 3) // late duplicate tick
	if n, _ := c.Remaining(5); n != 2 {
		t.Fatalf("stale tick applied: %d", n)
	}
	c.OnNumber(5, 1)
	c.OnNumber(5, 0)
	select {
	case g := <-c.GaveUp():
		if g.ChannelID != 5 {
			t.Fatalf("wrong channel: %+v", g)
		}
	default:
		t.Fatalf("expected GaveUp signal")
	}
	if _, ok := c.Remaining(5); ok {
		t.Fatalf("expired timer must be gone")
	}
}

func TestClearStopsTimer(t *testing.T) {
	c := New(nil, nil)
	c.OnNumber(9, 10) // started by the other client
	if !c.Clear(9) {
		t.Fatalf("Clear should report an active timer")
	}
	if c.Clear(9) {
		t.Fatalf("second Clear is a no-op")
	}
	c.OnNumber(9, 0)
	select {
	case <-c.GaveUp():
	default:
		t.Fatalf("zero tick after clear still signals for a fresh timer")
	}
}
