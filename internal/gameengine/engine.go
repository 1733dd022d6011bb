// Package gameengine runs the per-channel chess session: move validation,
// optimistic moves with rollback, draw/resign/abort and rewind negotiation,
// and spoiler gating.
package gameengine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/park285/cheese-chat/internal/chat"
	"github.com/park285/cheese-chat/internal/diag"
	"github.com/park285/cheese-chat/internal/obslog"
	"github.com/park285/cheese-chat/internal/transport"
	"go.uber.org/zap"
)

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrNotTwoPeople   = errors.New("chess needs a two-person channel")
	ErrNotMember      = errors.New("user is not a member of the channel")
	ErrNoGame         = errors.New("no chess game in progress")
	ErrGameOver       = errors.New("game already over")
	ErrGameNotOver    = errors.New("game is still in progress")
	ErrNotYourTurn    = errors.New("not your turn")
	ErrOutOfSequence  = errors.New("move number out of sequence")
	ErrIllegalMove    = errors.New("illegal move")
	ErrMovePending    = errors.New("previous move still awaiting ack")
	ErrCorruptState   = errors.New("chess state cannot be replayed")
	ErrNoDrawOffer    = errors.New("no draw offer to accept")
	ErrOwnDrawOffer   = errors.New("cannot accept own draw offer")
	ErrRewindPending  = errors.New("a rewind request is already pending")
	ErrNoRewind       = errors.New("no rewind request pending")
	ErrRewindMismatch = errors.New("rewind request id does not match")
	ErrRewindTarget   = errors.New("rewind target is not a retained state")
	ErrRewindSelf     = errors.New("requester cannot answer own rewind request")
	ErrNotRequester   = errors.New("only the requester can cancel a rewind")
)

// Phase is the session state machine position.
type Phase string

const (
	PhaseNoGame     Phase = "no_game"
	PhaseInProgress Phase = "in_progress"
	PhaseCheckmate  Phase = "checkmate"
	PhaseStalemate  Phase = "stalemate"
	PhaseDraw       Phase = "draw"
	PhaseAborted    Phase = "aborted"
	PhaseResigned   Phase = "resigned"
	PhaseClosed     Phase = "closed"
)

// Outcome reports what an inbound event did.
type Outcome string

const (
	Applied   Outcome = "applied"
	Duplicate Outcome = "duplicate"
	Corrected Outcome = "corrected"
)

// Directory resolves channel membership.
type Directory interface {
	Lookup(id chat.ChannelID) (chat.Channel, bool)
}

// SubmitOptions tunes a local move.
type SubmitOptions struct {
	OfferDraw bool
	MessageID chat.MessageID
}

type pendingMove struct {
	number int
	by     chat.UserID
	before *chat.ChessState
}

type rewindRequest struct {
	id     chat.MessageID
	by     chat.UserID
	target int
}

type session struct {
	state   *chat.ChessState
	pending *pendingMove
	rewind  *rewindRequest
	acked   map[chat.UserID]bool
	closed  bool
}

type Engine struct {
	mu       sync.Mutex
	sessions map[chat.ChannelID]*session
	dir      Directory
	logger   *zap.Logger
}

func NewEngine(dir Directory, logger *zap.Logger) *Engine {
	return &Engine{
		sessions: make(map[chat.ChannelID]*session),
		dir:      dir,
		logger:   obslog.Or(logger, "gameengine"),
	}
}

// players checks that ch is a two-person channel holding by and returns
// by's counterpart.
func (e *Engine) players(ch chat.ChannelID, by chat.UserID) (chat.UserID, error) {
	c, ok := e.dir.Lookup(ch)
	if !ok {
		return 0, ErrUnknownChannel
	}
	if !c.IsTwoPeople {
		return 0, ErrNotTwoPeople
	}
	other, ok := c.Counterpart(by)
	if !ok {
		return 0, ErrNotMember
	}
	return other, nil
}

func (e *Engine) reject(ch chat.ChannelID, source string, err error, fields ...zap.Field) error {
	reason := "other"
	for _, s := range []error{ErrNotYourTurn, ErrOutOfSequence, ErrIllegalMove, ErrGameOver, ErrMovePending, ErrNotTwoPeople, ErrNotMember, ErrNoGame, ErrCorruptState} {
		if errors.Is(err, s) {
			reason = s.Error()
			break
		}
	}
	diag.MovesRejected.WithLabelValues(source, reason).Inc()
	e.logger.Warn("chess_move_rejected", append([]zap.Field{
		zap.Int64("channel_id", int64(ch)), zap.String("source", source), zap.Error(err),
	}, fields...)...)
	return err
}

// live returns the session holding an active or terminal game.
func (e *Engine) live(ch chat.ChannelID) (*session, error) {
	s, ok := e.sessions[ch]
	if !ok || s.closed || s.state == nil {
		return nil, ErrNoGame
	}
	return s, nil
}

// Submit plays a local move. The move is held as pending until Ack.
func (e *Engine) Submit(ch chat.ChannelID, by chat.UserID, uci string, opts SubmitOptions) (*chat.ChessState, error) {
	other, err := e.players(ch, by)
	if err != nil {
		return nil, e.reject(ch, "local", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[ch]
	if !ok || s.closed || s.state == nil {
		s = &session{state: newSession(by, other)}
	}
	cur := s.state
	if cur.Terminal() {
		return nil, e.reject(ch, "local", ErrGameOver)
	}
	if s.pending != nil {
		return nil, e.reject(ch, "local", ErrMovePending)
	}
	if cur.PlayerColors[by] != cur.ColorToMove() {
		return nil, e.reject(ch, "local", ErrNotYourTurn, zap.Int("move_number", cur.Move.Number))
	}
	next, err := advance(cur, by, uci, opts.OfferDraw)
	if err != nil {
		return nil, e.reject(ch, "local", err, zap.String("uci", uci))
	}
	next.MessageID = opts.MessageID

	s.pending = &pendingMove{number: next.Move.Number, by: by, before: cur}
	s.state = next
	s.rewind = nil
	e.sessions[ch] = s
	e.logger.Info("chess_move_submitted",
		zap.Int64("channel_id", int64(ch)),
		zap.Int64("by", int64(by)),
		zap.Int("move_number", next.Move.Number),
		zap.String("uci", next.Move.UCI),
		zap.Bool("offer_draw", opts.OfferDraw),
	)
	return next.Clone(), nil
}

// Ack settles the pending local move. A rejected move rolls back to the
// state before it.
func (e *Engine) Ack(ch chat.ChannelID, number int, accepted bool) (*chat.ChessState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[ch]
	if !ok || s.pending == nil || s.pending.number != number {
		e.logger.Debug("chess_ack_unmatched", zap.Int64("channel_id", int64(ch)), zap.Int("move_number", number))
		return nil, false
	}
	p := s.pending
	s.pending = nil
	if accepted {
		return s.state.Clone(), true
	}
	diag.MovesRejected.WithLabelValues("ack", "rejected").Inc()
	e.logger.Warn("chess_move_rolled_back", zap.Int64("channel_id", int64(ch)), zap.Int("move_number", number))
	if p.before.Move.Number == 0 {
		// the rejected move would have started the game
		delete(e.sessions, ch)
		return nil, true
	}
	s.state = p.before
	return s.state.Clone(), true
}

// ApplyRemote applies a counterpart's move after checking it against the
// locally held move number and side to move.
func (e *Engine) ApplyRemote(ev transport.MovePayload) (Outcome, error) {
	ch := ev.ChannelID
	other, err := e.players(ch, ev.By)
	if err != nil {
		return "", e.reject(ch, "remote", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[ch]
	if !ok || s.closed || s.state == nil {
		if ev.Number != 1 {
			return "", e.reject(ch, "remote", fmt.Errorf("%w: got %d with no game", ErrOutOfSequence, ev.Number))
		}
		s = &session{state: newSession(ev.By, other)}
	}
	cur := s.state
	n := cur.Move.Number

	switch {
	case ev.Number == n && cur.Move.By == ev.By && cur.Move.UCI == ev.UCI:
		// replay of the move we already hold
		diag.Ignored(string(transport.EventUserMadeMove), "duplicate")
		if s.pending != nil && s.pending.by == ev.By {
			s.pending = nil
		}
		return Duplicate, nil

	case ev.Number == n && s.pending != nil && s.pending.number == n && s.pending.by != ev.By:
		// both sides played move n; the broadcast is authoritative
		base := s.pending.before
		if base.Move.Number == 0 {
			base = newSession(ev.By, other)
		} else if base.PlayerColors[ev.By] != base.ColorToMove() {
			return "", e.reject(ch, "remote", ErrNotYourTurn, zap.Int("move_number", ev.Number))
		}
		next, err := advance(base, ev.By, ev.UCI, ev.OfferDraw)
		if err != nil {
			return "", e.reject(ch, "remote", err, zap.String("uci", ev.UCI))
		}
		next.MessageID = ev.MessageID
		lost := s.pending
		s.pending = nil
		s.rewind = nil
		s.state = next
		e.sessions[ch] = s
		e.logger.Warn("chess_move_corrected",
			zap.Int64("channel_id", int64(ch)),
			zap.Int("move_number", n),
			zap.Int64("winner_by", int64(ev.By)),
			zap.Int64("lost_by", int64(lost.by)),
		)
		return Corrected, nil

	case ev.Number != n+1:
		return "", e.reject(ch, "remote", fmt.Errorf("%w: have %d, got %d", ErrOutOfSequence, n, ev.Number))
	}

	if cur.Terminal() {
		return "", e.reject(ch, "remote", ErrGameOver)
	}
	if cur.PlayerColors[ev.By] != cur.ColorToMove() {
		return "", e.reject(ch, "remote", ErrNotYourTurn, zap.Int("move_number", ev.Number))
	}
	next, err := advance(cur, ev.By, ev.UCI, ev.OfferDraw)
	if err != nil {
		return "", e.reject(ch, "remote", err, zap.String("uci", ev.UCI))
	}
	next.MessageID = ev.MessageID
	// the counterpart answered our move, so the relay took it
	s.pending = nil
	s.rewind = nil
	s.state = next
	e.sessions[ch] = s
	e.logger.Info("chess_move_applied",
		zap.Int64("channel_id", int64(ch)),
		zap.Int64("by", int64(ev.By)),
		zap.Int("move_number", next.Move.Number),
		zap.String("uci", next.Move.UCI),
	)
	return Applied, nil
}

// Phase reports where the channel's session stands.
func (e *Engine) Phase(ch chat.ChannelID) Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[ch]
	if !ok {
		return PhaseNoGame
	}
	if s.closed {
		return PhaseClosed
	}
	return phaseOf(s.state)
}

func phaseOf(st *chat.ChessState) Phase {
	switch {
	case st == nil:
		return PhaseNoGame
	case st.IsCheckmate:
		return PhaseCheckmate
	case st.IsStalemate:
		return PhaseStalemate
	case st.IsDraw:
		return PhaseDraw
	case st.IsAbort:
		return PhaseAborted
	case st.IsResign:
		return PhaseResigned
	default:
		return PhaseInProgress
	}
}

// Pending reports the number of the local move awaiting ack, if any.
func (e *Engine) Pending(ch chat.ChannelID) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[ch]
	if !ok || s.pending == nil {
		return 0, false
	}
	return s.pending.number, true
}

// Snapshot returns a deep copy of the current state.
func (e *Engine) Snapshot(ch chat.ChannelID) (*chat.ChessState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.live(ch)
	if err != nil {
		return nil, false
	}
	return s.state.Clone(), true
}

// Restore loads an authoritative state, e.g. from fetchCurrentChessState.
// Local pending work is discarded.
func (e *Engine) Restore(ch chat.ChannelID, st *chat.ChessState) error {
	if st == nil {
		return errors.New("nil chess state")
	}
	if _, err := replay(st.MovesUCI); err != nil {
		return err
	}
	if st.Move.Number != len(st.MovesUCI) {
		return fmt.Errorf("%w: move number %d with %d moves", ErrCorruptState, st.Move.Number, len(st.MovesUCI))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &session{state: st.Clone()}
	if prev, ok := e.sessions[ch]; ok && !prev.closed && prev.state != nil && prev.state.Move.Number > st.Move.Number {
		e.logger.Warn("chess_restore_backwards", zap.Int64("channel_id", int64(ch)),
			zap.Int("local", prev.state.Move.Number), zap.Int("restored", st.Move.Number))
	}
	if !st.RewindRequestID.IsZero() && st.Previous != nil {
		s.rewind = &rewindRequest{id: st.RewindRequestID, target: st.Previous.Move.Number}
	}
	e.sessions[ch] = s
	e.logger.Info("chess_state_restored", zap.Int64("channel_id", int64(ch)), zap.Int("move_number", st.Move.Number))
	return nil
}
