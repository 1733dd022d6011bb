package chat

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the discriminant selecting which payload a Message carries.
type Kind string

const (
	KindText            Kind = "text"
	KindAttachment      Kind = "attachment"
	KindChess           Kind = "chess"
	KindWordle          Kind = "wordle"
	KindReward          Kind = "reward"
	KindNotification    Kind = "notification"
	KindSubject         Kind = "subject"
	KindReloadedSubject Kind = "reloaded_subject"
)

// SendStatus tracks the persistence lifecycle of a message.
type SendStatus string

const (
	StatusPending   SendStatus = "pending"
	StatusConfirmed SendStatus = "confirmed"
	StatusFailed    SendStatus = "failed"
)

var ErrPayloadMismatch = errors.New("message payload does not match kind")

type Attachment struct {
	FileName string `json:"fileName"`
	FilePath string `json:"filePath"`
	FileType string `json:"fileType,omitempty"`
	ThumbURL string `json:"thumbUrl,omitempty"`
	Hidden   bool   `json:"hidden,omitempty"`
}

type WordleResult struct {
	Solution     string   `json:"solution"`
	Guesses      []string `json:"guesses"`
	IsSolved     bool     `json:"isSolved"`
	AttemptState string   `json:"attemptState,omitempty"`
}

type Reward struct {
	Amount   int    `json:"amount"`
	ReasonID string `json:"reasonId"`
}

// Subject links a subject/topic post (or its reload) to the topic record.
type Subject struct {
	TopicID    TopicID `json:"topicId"`
	UploaderID UserID  `json:"uploaderId"`
	ReloaderID UserID  `json:"reloaderId,omitempty"`
}

// Flags is the legacy flag set derived from Kind; kept for consumers that
// still switch on booleans.
type Flags struct {
	IsNotification    bool `json:"isNotification"`
	IsSubject         bool `json:"isSubject"`
	IsReloadedSubject bool `json:"isReloadedSubject"`
	IsDrawOffer       bool `json:"isDrawOffer"`
	IsChessMove       bool `json:"isChessMove"`
}

type Message struct {
	ID            MessageID    `json:"messageId"`
	ChannelID     ChannelID    `json:"channelId"`
	SubchannelID  SubchannelID `json:"subchannelId,omitempty"`
	TopicID       TopicID      `json:"subjectId,omitempty"`
	UserID        UserID       `json:"userId"`
	Content       string       `json:"content"`
	Timestamp     time.Time    `json:"timestamp"`
	ReplyTargetID int64        `json:"replyTargetId,omitempty"`

	Kind       Kind          `json:"kind"`
	Attachment *Attachment   `json:"attachment,omitempty"`
	Chess      *ChessState   `json:"chessState,omitempty"`
	Wordle     *WordleResult `json:"wordleResult,omitempty"`
	Reward     *Reward       `json:"reward,omitempty"`
	Subject    *Subject      `json:"subject,omitempty"`

	Reactions []Reaction `json:"reactions,omitempty"`

	Status        SendStatus `json:"status,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	Edited        bool       `json:"edited,omitempty"`
	Deleted       bool       `json:"deleted,omitempty"`
}

func (m *Message) Scope() Scope {
	return Scope{Channel: m.ChannelID, Subchannel: m.SubchannelID, Topic: m.TopicID}
}

// Flags derives the legacy flag set from the kind and payload.
func (m *Message) Flags() Flags {
	f := Flags{}
	switch m.Kind {
	case KindNotification:
		f.IsNotification = true
	case KindSubject:
		f.IsSubject = true
	case KindReloadedSubject:
		f.IsSubject = true
		f.IsReloadedSubject = true
	case KindChess:
		f.IsChessMove = true
		if m.Chess != nil && m.Chess.DrawOfferedBy != 0 && m.Chess.DrawOfferedBy == m.Chess.Move.By {
			f.IsDrawOffer = true
		}
	}
	return f
}

// Validate checks the envelope and that exactly the payload selected by Kind is set.
func (m *Message) Validate() error {
	if m.ID.IsZero() {
		return errors.New("message id is required")
	}
	if m.ChannelID == 0 {
		return errors.New("channel id is required")
	}
	has := map[Kind]bool{
		KindAttachment:      m.Attachment != nil,
		KindChess:           m.Chess != nil,
		KindWordle:          m.Wordle != nil,
		KindReward:          m.Reward != nil,
		KindSubject:         m.Subject != nil,
		KindReloadedSubject: m.Subject != nil,
	}
	switch m.Kind {
	case KindText, KindNotification:
		for k, set := range has {
			if set {
				return fmt.Errorf("%w: %s carries %s payload", ErrPayloadMismatch, m.Kind, k)
			}
		}
		return nil
	case KindAttachment, KindChess, KindWordle, KindReward, KindSubject, KindReloadedSubject:
		if !has[m.Kind] {
			return fmt.Errorf("%w: %s payload missing", ErrPayloadMismatch, m.Kind)
		}
		for k, set := range has {
			if !set || k == m.Kind {
				continue
			}
			if m.Kind == KindSubject && k == KindReloadedSubject || m.Kind == KindReloadedSubject && k == KindSubject {
				continue
			}
			return fmt.Errorf("%w: %s carries %s payload", ErrPayloadMismatch, m.Kind, k)
		}
		if m.Kind == KindReloadedSubject && m.Subject.ReloaderID == 0 {
			return fmt.Errorf("%w: reloaded subject without reloader", ErrPayloadMismatch)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrPayloadMismatch, m.Kind)
	}
}

// Clone returns a deep copy safe to hand out of a store.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Attachment != nil {
		a := *m.Attachment
		c.Attachment = &a
	}
	if m.Chess != nil {
		c.Chess = m.Chess.Clone()
	}
	if m.Wordle != nil {
		w := *m.Wordle
		w.Guesses = append([]string(nil), m.Wordle.Guesses...)
		c.Wordle = &w
	}
	if m.Reward != nil {
		r := *m.Reward
		c.Reward = &r
	}
	if m.Subject != nil {
		s := *m.Subject
		c.Subject = &s
	}
	c.Reactions = append([]Reaction(nil), m.Reactions...)
	return &c
}
