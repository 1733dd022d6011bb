package gameengine

import (
	"fmt"
	"strings"
	"time"

	nchess "github.com/corentings/chess/v2"
	"github.com/park285/cheese-chat/internal/chat"
)

// startFEN is the FEN of an empty session.
var startFEN = nchess.NewGame().FEN()

// replay rebuilds the board from the start position. The FEN carried on a
// state is for display only; applying it here would double-apply moves.
func replay(moves []string) (*nchess.Game, error) {
	game := nchess.NewGame()
	for i, mv := range moves {
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("%w: move %d %q: %v", ErrCorruptState, i+1, mv, err)
		}
	}
	return game, nil
}

func lastMove(game *nchess.Game) *nchess.Move {
	moves := game.Moves()
	if len(moves) == 0 {
		return nil
	}
	return moves[len(moves)-1]
}

func colorFrom(c nchess.Color) chat.Color {
	if c == nchess.White {
		return chat.White
	}
	return chat.Black
}

// newSession builds the empty state of a game whose first mover plays white.
func newSession(first, second chat.UserID) *chat.ChessState {
	return &chat.ChessState{
		FEN:          startFEN,
		PlayerColors: map[chat.UserID]chat.Color{first: chat.White, second: chat.Black},
	}
}

// advance validates uci on prev's board and returns the resulting state.
// prev is not modified; the result keeps prev as its single Previous level.
func advance(prev *chat.ChessState, by chat.UserID, uci string, offerDraw bool) (*chat.ChessState, error) {
	uci = strings.ToLower(strings.TrimSpace(uci))
	if uci == "" {
		return nil, ErrIllegalMove
	}
	game, err := replay(prev.MovesUCI)
	if err != nil {
		return nil, err
	}
	if colorFrom(game.Position().Turn()) != prev.ColorToMove() {
		return nil, fmt.Errorf("%w: board turn disagrees with move number %d", ErrCorruptState, prev.Move.Number)
	}
	pos := game.Position()
	if err := game.PushNotationMove(uci, nchess.UCINotation{}, nil); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}
	last := lastMove(game)
	if last == nil {
		return nil, fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}

	back := prev.Clone()
	back.Previous = nil

	next := prev.Clone()
	next.Previous = back
	next.MovesUCI = append(next.MovesUCI, uci)
	next.FEN = game.FEN()
	next.Move = chat.ChessMove{
		Number: prev.Move.Number + 1,
		By:     by,
		UCI:    uci,
		SAN:    nchess.AlgebraicNotation{}.Encode(pos, last),
	}
	next.MessageID = chat.MessageID{}
	// 새 수가 두어지면 무승부 제안/되돌리기 요청/관람 기록은 모두 소멸
	next.DrawOfferedBy = 0
	if offerDraw {
		next.DrawOfferedBy = by
	}
	next.RewindRequestID = chat.MessageID{}
	next.LastMoveViewerID = 0
	next.MoveViewTimeStamp = time.Time{}

	switch game.Outcome() {
	case nchess.WhiteWon, nchess.BlackWon:
		next.IsCheckmate = game.Method() == nchess.Checkmate
		next.WinnerID = by
		next.DrawOfferedBy = 0
	case nchess.Draw:
		if game.Method() == nchess.Stalemate {
			next.IsStalemate = true
		} else {
			next.IsDraw = true
		}
		next.DrawOfferedBy = 0
	}
	return next, nil
}

// Result is where a replayed move list stands.
type Result struct {
	SAN    []string
	FEN    string
	Over   bool
	Winner chat.Color // empty unless checkmate
	Method string     // checkmate, stalemate or draw once Over
}

// Judge replays moves from the start position. The relay uses it to check a
// candidate move and the archive to render SAN.
func Judge(moves []string) (Result, error) {
	game := nchess.NewGame()
	res := Result{SAN: make([]string, 0, len(moves))}
	for i, mv := range moves {
		pos := game.Position()
		if err := game.PushNotationMove(strings.ToLower(strings.TrimSpace(mv)), nchess.UCINotation{}, nil); err != nil {
			return Result{}, fmt.Errorf("%w: move %d %q", ErrIllegalMove, i+1, mv)
		}
		last := lastMove(game)
		if last == nil {
			return Result{}, fmt.Errorf("%w: move %d %q", ErrIllegalMove, i+1, mv)
		}
		res.SAN = append(res.SAN, nchess.AlgebraicNotation{}.Encode(pos, last))
	}
	res.FEN = game.FEN()
	switch game.Outcome() {
	case nchess.WhiteWon:
		res.Over, res.Winner = true, chat.White
	case nchess.BlackWon:
		res.Over, res.Winner = true, chat.Black
	case nchess.Draw:
		res.Over = true
	}
	if res.Over {
		switch game.Method() {
		case nchess.Checkmate:
			res.Method = "checkmate"
		case nchess.Stalemate:
			res.Method = "stalemate"
		default:
			res.Method = "draw"
		}
	}
	return res, nil
}
