package gameengine

import (
	"fmt"

	"github.com/park285/cheese-chat/internal/chat"
	"github.com/park285/cheese-chat/internal/diag"
	"github.com/park285/cheese-chat/internal/transport"
	"go.uber.org/zap"
)

// abortWindow is the move number from which ending the game counts as a
// resignation instead of an abort (each side has moved twice).
const abortWindow = 4

// EndLabel is the label the end-game action carries right now: "abort"
// inside the abort window, "resign" after it.
func (e *Engine) EndLabel(ch chat.ChannelID) transport.EndReason {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.live(ch)
	if err != nil {
		return transport.EndAbort
	}
	return endLabel(s.state)
}

func endLabel(st *chat.ChessState) transport.EndReason {
	if st.Move.Number < abortWindow {
		return transport.EndAbort
	}
	return transport.EndResign
}

// Resign ends the game for by. Inside the abort window the game is aborted
// with no winner; afterwards the opponent wins.
func (e *Engine) Resign(ch chat.ChannelID, by chat.UserID) (transport.EndPayload, error) {
	if _, err := e.players(ch, by); err != nil {
		return transport.EndPayload{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.live(ch)
	if err != nil {
		return transport.EndPayload{}, err
	}
	if s.state.Terminal() {
		return transport.EndPayload{}, ErrGameOver
	}
	ev := e.finish(ch, s, by, endLabel(s.state))
	return ev, nil
}

// AcceptDraw ends the game in a draw. Only the side that did not offer may accept.
func (e *Engine) AcceptDraw(ch chat.ChannelID, by chat.UserID) (transport.EndPayload, error) {
	if _, err := e.players(ch, by); err != nil {
		return transport.EndPayload{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.live(ch)
	if err != nil {
		return transport.EndPayload{}, err
	}
	if err := drawAcceptable(s.state, by); err != nil {
		return transport.EndPayload{}, err
	}
	return e.finish(ch, s, by, transport.EndDraw), nil
}

func drawAcceptable(st *chat.ChessState, by chat.UserID) error {
	switch {
	case st.Terminal():
		return ErrGameOver
	case st.DrawOfferedBy == 0:
		return ErrNoDrawOffer
	case st.DrawOfferedBy == by:
		return ErrOwnDrawOffer
	}
	return nil
}

// finish marks the state terminal. Caller holds e.mu.
func (e *Engine) finish(ch chat.ChannelID, s *session, by chat.UserID, reason transport.EndReason) transport.EndPayload {
	st := s.state.Clone()
	switch reason {
	case transport.EndAbort:
		st.IsAbort = true
		st.WinnerID = 0
	case transport.EndResign:
		st.IsResign = true
		st.WinnerID = st.Opponent(by)
	case transport.EndDraw:
		st.IsDraw = true
		st.WinnerID = 0
	}
	st.RewindRequestID = chat.MessageID{}
	s.state = st
	s.pending = nil
	s.rewind = nil
	e.logger.Info("chess_game_ended",
		zap.Int64("channel_id", int64(ch)),
		zap.Int64("by", int64(by)),
		zap.String("reason", string(reason)),
		zap.Int64("winner_id", int64(st.WinnerID)),
		zap.Int("move_number", st.Move.Number),
	)
	return transport.EndPayload{ChannelID: ch, By: by, Reason: reason, WinnerID: st.WinnerID, MoveNumber: st.Move.Number}
}

// ApplyEnd applies an inbound end_chess_game. The label is recomputed from
// the local move number, and repeats on an already terminal game are no-ops.
func (e *Engine) ApplyEnd(ev transport.EndPayload) (Outcome, error) {
	ch := ev.ChannelID
	if _, err := e.players(ch, ev.By); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.live(ch)
	if err != nil {
		diag.Ignored(string(transport.EventEndChessGame), "no_game")
		return "", err
	}
	if s.state.Terminal() {
		diag.Ignored(string(transport.EventEndChessGame), "already_over")
		return Duplicate, nil
	}
	switch ev.Reason {
	case transport.EndResign, transport.EndAbort:
		label := endLabel(s.state)
		if label != ev.Reason {
			e.logger.Warn("chess_end_label_mismatch", zap.Int64("channel_id", int64(ch)),
				zap.String("got", string(ev.Reason)), zap.String("local", string(label)),
				zap.Int("move_number", s.state.Move.Number))
		}
		e.finish(ch, s, ev.By, label)
	case transport.EndDraw:
		if err := drawAcceptable(s.state, ev.By); err != nil {
			diag.Ignored(string(transport.EventEndChessGame), "draw_not_offered")
			e.logger.Warn("chess_end_rejected", zap.Int64("channel_id", int64(ch)), zap.Error(err))
			return "", err
		}
		e.finish(ch, s, ev.By, transport.EndDraw)
	case transport.EndCheckmate, transport.EndStalemate:
		// board outcomes come with the move itself; an end without it is early
		diag.Ignored(string(transport.EventEndChessGame), "board_not_terminal")
		return "", fmt.Errorf("%w: %s before the deciding move", ErrOutOfSequence, ev.Reason)
	default:
		diag.Ignored(string(transport.EventEndChessGame), "unknown_reason")
		return "", fmt.Errorf("unknown end reason %q", ev.Reason)
	}
	return Applied, nil
}

// ---- rewind negotiation ----

// RequestRewind records a rewind request. Only one may be outstanding and the
// target must be the retained previous state.
func (e *Engine) RequestRewind(ev transport.RewindPayload) error {
	ch := ev.ChannelID
	if _, err := e.players(ch, ev.By); err != nil {
		return err
	}
	if ev.RequestID.IsZero() {
		return fmt.Errorf("%w: empty request id", ErrRewindMismatch)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.live(ch)
	if err != nil {
		return err
	}
	if s.state.Terminal() {
		return ErrGameOver
	}
	if s.rewind != nil {
		e.logger.Info("chess_rewind_rejected", zap.Int64("channel_id", int64(ch)),
			zap.String("pending", s.rewind.id.String()), zap.String("got", ev.RequestID.String()))
		return ErrRewindPending
	}
	prev := s.state.Previous
	if prev == nil || prev.Move.Number != ev.TargetNumber {
		return fmt.Errorf("%w: target %d", ErrRewindTarget, ev.TargetNumber)
	}
	s.rewind = &rewindRequest{id: ev.RequestID, by: ev.By, target: ev.TargetNumber}
	s.state.RewindRequestID = ev.RequestID
	e.logger.Info("chess_rewind_requested", zap.Int64("channel_id", int64(ch)),
		zap.Int64("by", int64(ev.By)), zap.String("request_id", ev.RequestID.String()), zap.Int("target", ev.TargetNumber))
	return nil
}

// matchRewind checks the pending request against id. Caller holds e.mu.
func (e *Engine) matchRewind(ch chat.ChannelID, id chat.MessageID) (*session, error) {
	s, err := e.live(ch)
	if err != nil {
		return nil, err
	}
	if s.rewind == nil {
		return nil, ErrNoRewind
	}
	if !s.rewind.id.Same(id) {
		return nil, fmt.Errorf("%w: pending %s, got %s", ErrRewindMismatch, s.rewind.id, id)
	}
	return s, nil
}

// AcceptRewind replaces the current state with the requested prior one.
func (e *Engine) AcceptRewind(ev transport.RewindPayload) (*chat.ChessState, error) {
	ch := ev.ChannelID
	if _, err := e.players(ch, ev.By); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.matchRewind(ch, ev.RequestID)
	if err != nil {
		return nil, err
	}
	if s.rewind.by == ev.By {
		return nil, ErrRewindSelf
	}
	prev := s.state.Previous
	if prev == nil || prev.Move.Number != s.rewind.target {
		s.rewind = nil
		s.state.RewindRequestID = chat.MessageID{}
		return nil, ErrRewindTarget
	}
	restored := prev.Clone()
	restored.RewindRequestID = chat.MessageID{}
	restored.DrawOfferedBy = 0
	s.state = restored
	s.rewind = nil
	s.pending = nil
	e.logger.Info("chess_rewind_accepted", zap.Int64("channel_id", int64(ch)),
		zap.Int64("by", int64(ev.By)), zap.Int("move_number", restored.Move.Number))
	return restored.Clone(), nil
}

// DeclineRewind clears the request; only the counterpart may decline.
func (e *Engine) DeclineRewind(ev transport.RewindPayload) error {
	return e.clearRewind(ev, false)
}

// CancelRewind clears the request; only the requester may cancel.
func (e *Engine) CancelRewind(ev transport.RewindPayload) error {
	return e.clearRewind(ev, true)
}

func (e *Engine) clearRewind(ev transport.RewindPayload, byRequester bool) error {
	ch := ev.ChannelID
	if _, err := e.players(ch, ev.By); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.matchRewind(ch, ev.RequestID)
	if err != nil {
		return err
	}
	// requester 0 means the request came from a restored state
	switch {
	case byRequester && s.rewind.by != 0 && s.rewind.by != ev.By:
		return ErrNotRequester
	case !byRequester && s.rewind.by == ev.By:
		return ErrRewindSelf
	}
	s.rewind = nil
	s.state.RewindRequestID = chat.MessageID{}
	event := "chess_rewind_declined"
	if byRequester {
		event = "chess_rewind_cancelled"
	}
	e.logger.Info(event, zap.Int64("channel_id", int64(ch)), zap.Int64("by", int64(ev.By)))
	return nil
}

// RewindPending returns the outstanding request id.
func (e *Engine) RewindPending(ch chat.ChannelID) (chat.MessageID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.live(ch)
	if err != nil || s.rewind == nil {
		return chat.MessageID{}, false
	}
	return s.rewind.id, true
}
