package transport

import (
	"encoding/json"
	"time"

	"github.com/park285/cheese-chat/internal/chat"
)

// Event names the frames exchanged with the relay.
type Event string

const (
	// client → relay
	EventNewChatMessage Event = "new_chat_message"
	EventStartTimer     Event = "start_chess_timer"
	EventJoinChannel    Event = "join_channel"
	EventLeaveChannel   Event = "leave_channel"

	// relay → clients
	EventNewMessageReceived Event = "new_message_received"
	EventCountdownNumber    Event = "chess_countdown_number_received"
	EventTimerCleared       Event = "chess_timer_cleared"

	// both directions
	EventUserMadeMove    Event = "user_made_a_move"
	EventEndChessGame    Event = "end_chess_game"
	EventRequestRewind   Event = "request_chess_rewind"
	EventAcceptRewind    Event = "accept_chess_rewind"
	EventDeclineRewind   Event = "decline_chess_rewind"
	EventCancelRewind    Event = "cancel_chess_rewind"
	EventEditMessage     Event = "edit_chat_message"
	EventDeleteMessage   Event = "delete_chat_message"
	EventHideAttachment  Event = "hide_message_attachment"
	EventNewReaction     Event = "new_reaction"
	EventRemovedReaction Event = "removed_reaction"
	EventMoveViewed      Event = "chess_move_viewed"
	EventResultSeen      Event = "chess_result_acknowledged"

	// ack frames answer a frame carrying Seq
	EventAck Event = "ack"
)

// Frame is the wire envelope. Seq is set on frames that expect an ack and
// echoed back on the ack frame.
type Frame struct {
	Event Event           `json:"event"`
	Seq   uint64          `json:"seq,omitempty"`
	From  chat.UserID     `json:"from,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   *Ack            `json:"ack,omitempty"`
}

// Ack is the relay's verdict on a frame sent with EmitWithAck.
type Ack struct {
	OK     bool            `json:"ok"`
	Reason string          `json:"reason,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ---- payloads ----

type RoomPayload struct {
	ChannelID chat.ChannelID `json:"channelId"`
	UserID    chat.UserID    `json:"userId"`
}

type EditPayload struct {
	chat.Scope
	MessageID chat.MessageID `json:"messageId"`
	Content   string         `json:"content"`
}

// TargetPayload addresses one message for delete / hide.
type TargetPayload struct {
	chat.Scope
	MessageID chat.MessageID `json:"messageId"`
}

// MovePayload carries one chess move. Number is the move's own number
// (current+1 from the mover's point of view).
type MovePayload struct {
	ChannelID chat.ChannelID `json:"channelId"`
	MessageID chat.MessageID `json:"messageId,omitempty"`
	Number    int            `json:"moveNumber"`
	By        chat.UserID    `json:"by"`
	UCI       string         `json:"uci"`
	OfferDraw bool           `json:"offerDraw,omitempty"`
}

// EndReason labels how a game ended.
type EndReason string

const (
	EndResign    EndReason = "resign"
	EndAbort     EndReason = "abort"
	EndDraw      EndReason = "draw"
	EndCheckmate EndReason = "checkmate"
	EndStalemate EndReason = "stalemate"
)

type EndPayload struct {
	ChannelID  chat.ChannelID `json:"channelId"`
	By         chat.UserID    `json:"by"`
	Reason     EndReason      `json:"reason"`
	WinnerID   chat.UserID    `json:"winnerId,omitempty"`
	MoveNumber int            `json:"moveNumber"`
}

type RewindPayload struct {
	ChannelID    chat.ChannelID `json:"channelId"`
	By           chat.UserID    `json:"by"`
	RequestID    chat.MessageID `json:"requestId"`
	TargetNumber int            `json:"targetMoveNumber"`
}

type TimerPayload struct {
	ChannelID chat.ChannelID `json:"channelId"`
	By        chat.UserID    `json:"by,omitempty"`
	Seconds   int            `json:"seconds,omitempty"`
	Number    int            `json:"number,omitempty"`
}

type ReactionPayload struct {
	ChannelID chat.ChannelID `json:"channelId"`
	chat.Reaction
}

// ViewPayload records that a viewer revealed the latest move.
type ViewPayload struct {
	ChannelID chat.ChannelID `json:"channelId"`
	Viewer    chat.UserID    `json:"viewer"`
	At        time.Time      `json:"at"`
}

// Decode unmarshals a frame's data into v.
func Decode[T any](data json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
