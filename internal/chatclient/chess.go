package chatclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/park285/cheese-chat/internal/chat"
	"github.com/park285/cheese-chat/internal/gameengine"
	"github.com/park285/cheese-chat/internal/msgcat"
	"github.com/park285/cheese-chat/internal/transport"
	"go.uber.org/zap"
)

// LoadChessState restores the stored game of ch, if any.
func (c *Client) LoadChessState(ctx context.Context, ch chat.ChannelID) error {
	st, err := c.api.FetchCurrentChessState(ctx, ch)
	if err != nil {
		return c.guard(err)
	}
	if st == nil {
		return nil
	}
	if err := c.engine.Restore(ch, st); err != nil {
		return err
	}
	c.rooms.MarkChessGame(ch, true)
	return nil
}

// Move plays uci in ch. The relay arbitrates racing moves: a rejected move
// is rolled back, an unanswered one stays pending until the next resync.
func (c *Client) Move(ctx context.Context, ch chat.ChannelID, uci string, offerDraw bool) (*chat.ChessState, error) {
	if err := c.alive(); err != nil {
		return nil, err
	}
	if err := c.rec.WaitSendable(ctx); err != nil {
		return nil, err
	}
	before, _ := c.engine.Snapshot(ch)
	token := c.newToken()
	st, err := c.engine.Submit(ch, c.self, uci, gameengine.SubmitOptions{OfferDraw: offerDraw, MessageID: chat.Temp(token)})
	if err != nil {
		return nil, err
	}
	mv := transport.MovePayload{
		ChannelID: ch,
		MessageID: st.MessageID,
		Number:    st.Move.Number,
		By:        c.self,
		UCI:       st.Move.UCI,
		OfferDraw: offerDraw,
	}
	ack, err := c.tr.EmitWithAck(ctx, transport.EventUserMadeMove, mv)
	switch {
	case errors.Is(err, transport.ErrNotConnected), errors.Is(err, transport.ErrClosed):
		c.engine.Ack(ch, mv.Number, false)
		return nil, err
	case err != nil:
		c.logger.Warn("chess_move_unsettled", zap.Int64("channel_id", int64(ch)), zap.Int("move_number", mv.Number), zap.Error(err))
		return st, fmt.Errorf("%w: %w", ErrMoveUnsettled, err)
	case !ack.OK:
		c.engine.Ack(ch, mv.Number, false)
		return nil, fmt.Errorf("%w: %s", ErrMoveRejected, ack.Reason)
	}
	if settled, ok := c.engine.Ack(ch, mv.Number, true); ok && settled != nil {
		st = settled
	}
	c.timer.Clear(ch)
	c.rooms.MarkChessGame(ch, true)

	c.postChess(ctx, ch, token, st)
	c.moveNotices(ctx, ch, before, st)
	return st, nil
}

// postChess persists the state as a chess message so history and
// FetchCurrentChessState both see it.
func (c *Client) postChess(ctx context.Context, ch chat.ChannelID, token string, st *chat.ChessState) {
	if token == "" {
		token = c.newToken()
	}
	msg := &chat.Message{
		ID:        chat.Temp(token),
		ChannelID: ch,
		UserID:    c.self,
		Content:   st.Move.SAN,
		Timestamp: c.now(),
		Kind:      chat.KindChess,
		Chess:     st.Clone(),
	}
	if _, err := c.post(ctx, chat.Scope{Channel: ch}, msg, nil); err != nil {
		c.logger.Warn("chess_message_post_failed", zap.Int64("channel_id", int64(ch)), zap.Int("move_number", st.Move.Number), zap.Error(err))
	}
}

func (c *Client) moveNotices(ctx context.Context, ch chat.ChannelID, before, st *chat.ChessState) {
	me := c.nameOf(ch, c.self)
	if before == nil || before.Move.Number == 0 {
		c.notify(ctx, ch, msgcat.ChessStarted, msgcat.Data{
			"White": c.nameOf(ch, st.PlayerFor(chat.White)),
			"Black": c.nameOf(ch, st.PlayerFor(chat.Black)),
		})
	}
	if before != nil && before.DrawOfferedBy != 0 && before.DrawOfferedBy != c.self && st.DrawOfferedBy == 0 && !st.Terminal() {
		c.notify(ctx, ch, msgcat.ChessDrawLapsed, msgcat.Data{"By": me})
	}
	switch {
	case st.IsCheckmate:
		c.notify(ctx, ch, msgcat.ChessCheckmate, msgcat.Data{"Winner": c.nameOf(ch, st.WinnerID)})
	case st.IsStalemate:
		c.notify(ctx, ch, msgcat.ChessStalemate, nil)
	case st.IsDraw:
		c.notify(ctx, ch, msgcat.ChessDrawDone, nil)
	case st.DrawOfferedBy == c.self:
		c.notify(ctx, ch, msgcat.ChessDrawOffered, msgcat.Data{"By": me})
	}
}

// Resign ends the game from our side. Before the fourth move it counts as
// an abort with no winner.
func (c *Client) Resign(ctx context.Context, ch chat.ChannelID) (transport.EndPayload, error) {
	if err := c.alive(); err != nil {
		return transport.EndPayload{}, err
	}
	ev, err := c.engine.Resign(ch, c.self)
	if err != nil {
		return transport.EndPayload{}, err
	}
	c.finish(ctx, ch, ev)
	me := c.nameOf(ch, c.self)
	if ev.Reason == transport.EndAbort {
		c.notify(ctx, ch, msgcat.ChessAborted, msgcat.Data{"By": me})
	} else {
		c.notify(ctx, ch, msgcat.ChessResigned, msgcat.Data{"By": me, "Winner": c.nameOf(ch, ev.WinnerID)})
	}
	return ev, nil
}

// AcceptDraw accepts the opponent's pending offer.
func (c *Client) AcceptDraw(ctx context.Context, ch chat.ChannelID) (transport.EndPayload, error) {
	if err := c.alive(); err != nil {
		return transport.EndPayload{}, err
	}
	ev, err := c.engine.AcceptDraw(ch, c.self)
	if err != nil {
		return transport.EndPayload{}, err
	}
	c.finish(ctx, ch, ev)
	c.notify(ctx, ch, msgcat.ChessDrawDone, nil)
	return ev, nil
}

func (c *Client) finish(ctx context.Context, ch chat.ChannelID, ev transport.EndPayload) {
	c.timer.Clear(ch)
	if err := c.tr.Emit(ctx, transport.EventEndChessGame, ev); err != nil {
		c.logger.Warn("chess_end_emit_failed", zap.Int64("channel_id", int64(ch)), zap.Error(err))
	}
	if st, ok := c.engine.Snapshot(ch); ok && st.Move.Number > 0 {
		c.postChess(ctx, ch, "", st)
	}
}

// RequestRewind asks the opponent to take back the last move. The returned
// id must accompany the answer.
func (c *Client) RequestRewind(ctx context.Context, ch chat.ChannelID) (chat.MessageID, error) {
	if err := c.alive(); err != nil {
		return chat.MessageID{}, err
	}
	st, ok := c.engine.Snapshot(ch)
	if !ok {
		return chat.MessageID{}, gameengine.ErrNoGame
	}
	if st.Previous == nil {
		return chat.MessageID{}, gameengine.ErrRewindTarget
	}
	p := transport.RewindPayload{ChannelID: ch, By: c.self, RequestID: chat.Temp(c.newToken()), TargetNumber: st.Previous.Move.Number}
	if err := c.engine.RequestRewind(p); err != nil {
		return chat.MessageID{}, err
	}
	if err := c.tr.Emit(ctx, transport.EventRequestRewind, p); err != nil {
		_ = c.engine.CancelRewind(p)
		return chat.MessageID{}, err
	}
	c.notify(ctx, ch, msgcat.RewindRequested, msgcat.Data{"By": c.nameOf(ch, c.self)})
	return p.RequestID, nil
}

func (c *Client) pendingRewind(ch chat.ChannelID) (transport.RewindPayload, error) {
	id, ok := c.engine.RewindPending(ch)
	if !ok {
		return transport.RewindPayload{}, gameengine.ErrNoRewind
	}
	return transport.RewindPayload{ChannelID: ch, By: c.self, RequestID: id}, nil
}

// AcceptRewind answers the pending request and steps back one move.
func (c *Client) AcceptRewind(ctx context.Context, ch chat.ChannelID) (*chat.ChessState, error) {
	if err := c.alive(); err != nil {
		return nil, err
	}
	p, err := c.pendingRewind(ch)
	if err != nil {
		return nil, err
	}
	st, err := c.engine.AcceptRewind(p)
	if err != nil {
		return nil, err
	}
	p.TargetNumber = st.Move.Number
	if err := c.tr.Emit(ctx, transport.EventAcceptRewind, p); err != nil {
		c.logger.Warn("chess_rewind_emit_failed", zap.Int64("channel_id", int64(ch)), zap.Error(err))
	}
	c.postChess(ctx, ch, "", st)
	c.notify(ctx, ch, msgcat.RewindAccepted, msgcat.Data{"Number": st.Move.Number})
	return st, nil
}

func (c *Client) DeclineRewind(ctx context.Context, ch chat.ChannelID) error {
	if err := c.alive(); err != nil {
		return err
	}
	p, err := c.pendingRewind(ch)
	if err != nil {
		return err
	}
	if err := c.engine.DeclineRewind(p); err != nil {
		return err
	}
	if err := c.tr.Emit(ctx, transport.EventDeclineRewind, p); err != nil {
		return err
	}
	c.notify(ctx, ch, msgcat.RewindDeclined, msgcat.Data{"By": c.nameOf(ch, c.self)})
	return nil
}

func (c *Client) CancelRewind(ctx context.Context, ch chat.ChannelID) error {
	if err := c.alive(); err != nil {
		return err
	}
	p, err := c.pendingRewind(ch)
	if err != nil {
		return err
	}
	if err := c.engine.CancelRewind(p); err != nil {
		return err
	}
	if err := c.tr.Emit(ctx, transport.EventCancelRewind, p); err != nil {
		return err
	}
	c.notify(ctx, ch, msgcat.RewindCancelled, msgcat.Data{"By": c.nameOf(ch, c.self)})
	return nil
}

// RevealMove clears the spoiler on the opponent's latest move and records
// the view time.
func (c *Client) RevealMove(ctx context.Context, ch chat.ChannelID) (bool, error) {
	if err := c.alive(); err != nil {
		return false, err
	}
	at := c.now()
	if !c.engine.Reveal(ch, c.self, at) {
		return false, nil
	}
	if err := c.api.SetChessMoveViewTimeStamp(ctx, ch, c.self, at); err != nil {
		c.logger.Warn("chess_view_persist_failed", zap.Int64("channel_id", int64(ch)), zap.Error(err))
		if err = c.guard(err); errors.Is(err, ErrIdentityLost) {
			return true, err
		}
	}
	if err := c.tr.Emit(ctx, transport.EventMoveViewed, transport.ViewPayload{ChannelID: ch, Viewer: c.self, At: at}); err != nil {
		c.logger.Warn("chess_view_emit_failed", zap.Int64("channel_id", int64(ch)), zap.Error(err))
	}
	return true, nil
}

// AcknowledgeResult records that we saw the game-over result. The session
// closes once both players acknowledged.
func (c *Client) AcknowledgeResult(ctx context.Context, ch chat.ChannelID) (bool, error) {
	if err := c.alive(); err != nil {
		return false, err
	}
	closed, err := c.engine.Acknowledge(ch, c.self)
	if err != nil {
		return false, err
	}
	if closed {
		c.rooms.MarkChessGame(ch, false)
	}
	if err := c.tr.Emit(ctx, transport.EventResultSeen, transport.RoomPayload{ChannelID: ch, UserID: c.self}); err != nil {
		c.logger.Warn("chess_result_ack_emit_failed", zap.Int64("channel_id", int64(ch)), zap.Error(err))
	}
	return closed, nil
}

// StartCountdown asks the relay to count down the opponent's reply time.
func (c *Client) StartCountdown(ctx context.Context, ch chat.ChannelID) error {
	if err := c.alive(); err != nil {
		return err
	}
	st, ok := c.engine.Snapshot(ch)
	if !ok || st.Terminal() || st.Move.Number == 0 || st.Move.By != c.self {
		return ErrNotWaiting
	}
	return c.timer.Start(ctx, ch, c.self, c.seconds)
}

// GaveUpWaiting receives one entry per channel whose countdown ran out.
func (c *Client) GaveUpWaiting() <-chan chat.ChannelID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gaveUp == nil {
		c.gaveUp = make(chan chat.ChannelID, 16)
	}
	return c.gaveUp
}

func (c *Client) watchCountdown(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case g := <-c.timer.GaveUp():
			c.logger.Info("chess_countdown_gave_up", zap.Int64("channel_id", int64(g.ChannelID)))
			if st, ok := c.engine.Snapshot(g.ChannelID); ok {
				c.notify(ctx, g.ChannelID, msgcat.ChessGaveUp, msgcat.Data{"By": c.nameOf(g.ChannelID, st.Opponent(c.self))})
			}
			c.mu.Lock()
			out := c.gaveUp
			c.mu.Unlock()
			if out != nil {
				select {
				case out <- g.ChannelID:
				default:
				}
			}
		}
	}
}
