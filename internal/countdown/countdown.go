// Package countdown tracks the advisory per-move response timer. It never
// touches game state: reaching zero only publishes a GaveUp signal so the UI
// can stop waiting. Ending the game still takes an explicit end_chess_game.
package countdown

import (
	"context"
	"sync"

	"github.com/park285/cheese-chat/internal/chat"
	"github.com/park285/cheese-chat/internal/diag"
	"github.com/park285/cheese-chat/internal/obslog"
	"github.com/park285/cheese-chat/internal/transport"
	"go.uber.org/zap"
)

type Emitter interface {
	Emit(ctx context.Context, event transport.Event, payload any) error
}

// GaveUp tells the UI that the countdown for a channel ran out.
type GaveUp struct {
	ChannelID chat.ChannelID
}

type timer struct {
	by        chat.UserID
	seconds   int
	remaining int
}

type Countdown struct {
	mu     sync.Mutex
	timers map[chat.ChannelID]*timer
	emit   Emitter
	gaveUp chan GaveUp
	logger *zap.Logger
}

func New(emit Emitter, logger *zap.Logger) *Countdown {
	return &Countdown{
		timers: make(map[chat.ChannelID]*timer),
		emit:   emit,
		gaveUp: make(chan GaveUp, 16),
		logger: obslog.Or(logger, "countdown"),
	}
}

// GaveUp is the signal channel. Signals are dropped when nobody drains it.
func (c *Countdown) GaveUp() <-chan GaveUp { return c.gaveUp }

// Start asks the relay to run a countdown for ch.
func (c *Countdown) Start(ctx context.Context, ch chat.ChannelID, by chat.UserID, seconds int) error {
	if seconds <= 0 {
		seconds = 30
	}
	c.mu.Lock()
	c.timers[ch] = &timer{by: by, seconds: seconds, remaining: seconds}
	c.mu.Unlock()
	if c.emit == nil {
		return nil
	}
	return c.emit.Emit(ctx, transport.EventStartTimer, transport.TimerPayload{ChannelID: ch, By: by, Seconds: seconds})
}

// OnNumber applies a chess_countdown_number_received tick.
func (c *Countdown) OnNumber(ch chat.ChannelID, n int) {
	c.mu.Lock()
	t, ok := c.timers[ch]
	if !ok {
		// a tick for a timer another client started
		t = &timer{seconds: n, remaining: n}
		c.timers[ch] = t
	}
	if ok && n > t.remaining {
		c.mu.Unlock()
		diag.Ignored(string(transport.EventCountdownNumber), "stale_tick")
		return
	}
	t.remaining = n
	expired := n <= 0
	if expired {
		delete(c.timers, ch)
	}
	c.mu.Unlock()

	if !expired {
		return
	}
	c.logger.Info("chess_countdown_expired", zap.Int64("channel_id", int64(ch)))
	select {
	case c.gaveUp <- GaveUp{ChannelID: ch}:
	default:
		c.logger.Warn("chess_countdown_signal_dropped", zap.Int64("channel_id", int64(ch)))
	}
}

// Clear applies chess_timer_cleared.
func (c *Countdown) Clear(ch chat.ChannelID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.timers[ch]; !ok {
		return false
	}
	delete(c.timers, ch)
	return true
}

// Remaining returns the last known tick.
func (c *Countdown) Remaining(ch chat.ChannelID) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.timers[ch]
	if !ok {
		return 0, false
	}
	return t.remaining, true
}
