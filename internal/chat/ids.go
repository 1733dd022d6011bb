package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type (
	ChannelID    int64
	SubchannelID int64
	TopicID      int64
	UserID       int64
)

var (
	ErrAlreadyPersisted = errors.New("message id already persisted")
	ErrInvalidServerID  = errors.New("server id must be positive")
	ErrEmptyToken       = errors.New("temp token is empty")
)

// MessageID is either a client-minted temp token or a server-assigned id.
// Promotion from temp to persisted happens once; the token survives promotion
// so echoes of our own sends can still be correlated.
type MessageID struct {
	token  string
	server int64
}

// Temp builds an unpersisted id from a correlation token.
func Temp(token string) MessageID { return MessageID{token: strings.TrimSpace(token)} }

// Persisted builds an id for a message that already has a server id.
func Persisted(serverID int64) MessageID { return MessageID{server: serverID} }

func (id MessageID) IsZero() bool      { return id.token == "" && id.server == 0 }
func (id MessageID) IsTemp() bool      { return id.server == 0 && id.token != "" }
func (id MessageID) IsPersisted() bool { return id.server > 0 }
func (id MessageID) Token() string     { return id.token }

// Server returns the server id and whether the id has been persisted.
func (id MessageID) Server() (int64, bool) { return id.server, id.server > 0 }

// Promote returns the persisted form of a temp id. It never reassigns.
func (id MessageID) Promote(serverID int64) (MessageID, error) {
	if serverID <= 0 {
		return id, ErrInvalidServerID
	}
	if id.server > 0 {
		if id.server == serverID {
			return id, nil
		}
		return id, fmt.Errorf("%w: have %d, got %d", ErrAlreadyPersisted, id.server, serverID)
	}
	if id.token == "" {
		return id, ErrEmptyToken
	}
	return MessageID{token: id.token, server: serverID}, nil
}

// Same reports whether both ids refer to the same logical message.
// Server ids win when both sides have one; otherwise tokens are compared.
func (id MessageID) Same(other MessageID) bool {
	if id.server > 0 && other.server > 0 {
		return id.server == other.server
	}
	return id.token != "" && id.token == other.token
}

func (id MessageID) String() string {
	if id.server > 0 {
		return strconv.FormatInt(id.server, 10)
	}
	if id.token != "" {
		return "temp:" + id.token
	}
	return ""
}

type wireID struct {
	TempID   string `json:"tempId,omitempty"`
	ServerID int64  `json:"id,omitempty"`
}

func (id MessageID) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireID{TempID: id.token, ServerID: id.server})
}

func (id *MessageID) UnmarshalJSON(b []byte) error {
	var w wireID
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*id = MessageID{token: strings.TrimSpace(w.TempID), server: w.ServerID}
	return nil
}

// ParseMessageID accepts the String form ("123" or "temp:<token>").
func ParseMessageID(s string) (MessageID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return MessageID{}, errors.New("empty message id")
	}
	if strings.HasPrefix(s, "temp:") {
		tok := strings.TrimPrefix(s, "temp:")
		if tok == "" {
			return MessageID{}, ErrEmptyToken
		}
		return Temp(tok), nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return MessageID{}, fmt.Errorf("parse message id %q: %w", s, err)
	}
	if n <= 0 {
		return MessageID{}, ErrInvalidServerID
	}
	return Persisted(n), nil
}
