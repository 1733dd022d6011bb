package chat

import (
	"fmt"
	"time"
)

// Scope addresses one ordered message sequence: a channel, optionally
// narrowed to a subchannel or a topic.
type Scope struct {
	Channel    ChannelID    `json:"channelId"`
	Subchannel SubchannelID `json:"subchannelId,omitempty"`
	Topic      TopicID      `json:"subjectId,omitempty"`
}

func (s Scope) String() string {
	switch {
	case s.Topic != 0:
		return fmt.Sprintf("ch:%d:topic:%d", s.Channel, s.Topic)
	case s.Subchannel != 0:
		return fmt.Sprintf("ch:%d:sub:%d", s.Channel, s.Subchannel)
	default:
		return fmt.Sprintf("ch:%d", s.Channel)
	}
}

type UserRef struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

type Subchannel struct {
	ID    SubchannelID `json:"id"`
	Label string       `json:"label"`
}

type Topic struct {
	ID              TopicID   `json:"id"`
	Content         string    `json:"content"`
	UploaderID      UserID    `json:"uploaderId"`
	ReloaderID      UserID    `json:"reloaderId,omitempty"`
	TimeStamp       time.Time `json:"timeStamp"`
	ReloadTimeStamp time.Time `json:"reloadTimeStamp,omitempty"`
}

// Reloaded reports whether a different user brought the topic back.
func (t Topic) Reloaded() bool { return t.ReloaderID != 0 && !t.ReloadTimeStamp.IsZero() }

type Channel struct {
	ID           ChannelID    `json:"id"`
	IsTwoPeople  bool         `json:"twoPeople"`
	Members      []UserRef    `json:"members"`
	Subchannels  []Subchannel `json:"subchannels,omitempty"`
	Topics       []Topic      `json:"topics,omitempty"`
	HasChessGame bool         `json:"hasChessGame,omitempty"`
}

func (c *Channel) IsMember(u UserID) bool {
	for _, m := range c.Members {
		if m.ID == u {
			return true
		}
	}
	return false
}

// Counterpart returns the other member of a two-person channel.
func (c *Channel) Counterpart(u UserID) (UserID, bool) {
	if !c.IsTwoPeople || len(c.Members) != 2 {
		return 0, false
	}
	switch u {
	case c.Members[0].ID:
		return c.Members[1].ID, true
	case c.Members[1].ID:
		return c.Members[0].ID, true
	}
	return 0, false
}

// Reaction is one (message, user, type) triple.
type Reaction struct {
	MessageID MessageID `json:"messageId"`
	UserID    UserID    `json:"userId"`
	Type      string    `json:"type"`
}

// Page is one slice of history returned by the backend, newest first.
type Page struct {
	Messages []*Message `json:"messages"`
	HasMore  bool       `json:"loadMoreButton"`
}
