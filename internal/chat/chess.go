package chat

import "time"

// Color is a chess side.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

func (c Color) Opposite() Color {
	if c == White {
		return Black
	}
	return White
}

// ChessMove identifies the last accepted move of a session.
type ChessMove struct {
	Number int    `json:"number"`
	By     UserID `json:"by"`
	UCI    string `json:"uci,omitempty"`
	SAN    string `json:"san,omitempty"`
}

// ChessState is the per-channel chess session as carried on chess messages.
// Previous keeps exactly one level; its own Previous is always nil.
type ChessState struct {
	MessageID    MessageID        `json:"messageId"`
	MovesUCI     []string         `json:"moves"`
	FEN          string           `json:"board"`
	Move         ChessMove        `json:"move"`
	PlayerColors map[UserID]Color `json:"playerColors"`
	WinnerID     UserID           `json:"winnerId,omitempty"`

	IsCheckmate bool `json:"isCheckmate,omitempty"`
	IsStalemate bool `json:"isStalemate,omitempty"`
	IsDraw      bool `json:"isDraw,omitempty"`
	IsAbort     bool `json:"isAbort,omitempty"`
	IsResign    bool `json:"isResign,omitempty"`

	DrawOfferedBy     UserID    `json:"drawOfferedBy,omitempty"`
	RewindRequestID   MessageID `json:"rewindRequestId,omitempty"`
	LastMoveViewerID  UserID    `json:"lastMoveViewerId,omitempty"`
	MoveViewTimeStamp time.Time `json:"moveViewTimeStamp,omitempty"`

	Previous *ChessState `json:"previousState,omitempty"`
}

// Terminal reports whether the session has reached any game-over condition.
func (s *ChessState) Terminal() bool {
	return s.IsCheckmate || s.IsStalemate || s.IsDraw || s.IsAbort || s.IsResign
}

// ColorToMove returns the side that must play move Number+1.
func (s *ChessState) ColorToMove() Color {
	if s.Move.Number%2 == 0 {
		return White
	}
	return Black
}

// PlayerFor returns the user holding the given color, or 0.
func (s *ChessState) PlayerFor(c Color) UserID {
	for u, col := range s.PlayerColors {
		if col == c {
			return u
		}
	}
	return 0
}

// Opponent returns the other player of the session, or 0 when unknown.
func (s *ChessState) Opponent(u UserID) UserID {
	col, ok := s.PlayerColors[u]
	if !ok {
		return 0
	}
	return s.PlayerFor(col.Opposite())
}

// Clone deep-copies the state and trims the chain so that only one
// previous level survives.
func (s *ChessState) Clone() *ChessState {
	if s == nil {
		return nil
	}
	c := s.shallow()
	if s.Previous != nil {
		c.Previous = s.Previous.shallow()
		c.Previous.Previous = nil
	}
	return c
}

func (s *ChessState) shallow() *ChessState {
	c := *s
	c.MovesUCI = append([]string(nil), s.MovesUCI...)
	c.PlayerColors = make(map[UserID]Color, len(s.PlayerColors))
	for k, v := range s.PlayerColors {
		c.PlayerColors[k] = v
	}
	c.Previous = nil
	return &c
}
