package gameengine

import (
	"time"

	"github.com/park285/cheese-chat/internal/chat"
	"go.uber.org/zap"
)

// Spoiler reports whether viewer must not see the latest board yet. It is
// off when viewer made the last move, already viewed it, or a reveal was
// recorded.
func (e *Engine) Spoiler(ch chat.ChannelID, viewer chat.UserID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.live(ch)
	if err != nil {
		return false
	}
	return spoiler(s.state, viewer)
}

func spoiler(st *chat.ChessState, viewer chat.UserID) bool {
	if st.Move.Number == 0 {
		return false
	}
	if st.Move.By == viewer || st.LastMoveViewerID == viewer || !st.MoveViewTimeStamp.IsZero() {
		return false
	}
	return true
}

// Reveal records that viewer looked at the latest move. Move number and turn
// are untouched. It returns false when there was nothing to reveal.
func (e *Engine) Reveal(ch chat.ChannelID, viewer chat.UserID, at time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.live(ch)
	if err != nil || !spoiler(s.state, viewer) {
		return false
	}
	if at.IsZero() {
		at = time.Now()
	}
	s.state.LastMoveViewerID = viewer
	s.state.MoveViewTimeStamp = at
	e.logger.Debug("chess_move_revealed", zap.Int64("channel_id", int64(ch)),
		zap.Int64("viewer", int64(viewer)), zap.Int("move_number", s.state.Move.Number))
	return true
}

// Acknowledge records that user saw the game-over result. Once both members
// acknowledged, the session is closed and a new game may start.
func (e *Engine) Acknowledge(ch chat.ChannelID, user chat.UserID) (bool, error) {
	other, err := e.players(ch, user)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.live(ch)
	if err != nil {
		return false, err
	}
	if !s.state.Terminal() {
		return false, ErrGameNotOver
	}
	if s.acked == nil {
		s.acked = make(map[chat.UserID]bool, 2)
	}
	s.acked[user] = true
	if !s.acked[other] {
		return false, nil
	}
	s.closed = true
	s.state = nil
	s.pending = nil
	s.rewind = nil
	e.logger.Info("chess_session_closed", zap.Int64("channel_id", int64(ch)))
	return true, nil
}
