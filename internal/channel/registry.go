// Package channel keeps the joined channels of the local user: members,
// subchannels, topics and whether a chess game lives there.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/park285/cheese-chat/internal/chat"
	"github.com/park285/cheese-chat/internal/obslog"
	"github.com/park285/cheese-chat/internal/transport"
	"go.uber.org/zap"
)

var (
	ErrUnknownChannel = errors.New("channel not joined")
	ErrNotMember      = errors.New("user is not a member of the channel")
	ErrUnknownTopic   = errors.New("topic not found")
)

// Fetcher loads channel metadata, typically the backend client.
type Fetcher interface {
	FetchChannel(ctx context.Context, id chat.ChannelID) (chat.Channel, error)
}

type Emitter interface {
	Emit(ctx context.Context, event transport.Event, payload any) error
}

type Registry struct {
	mu       sync.RWMutex
	self     chat.UserID
	channels map[chat.ChannelID]*chat.Channel
	fetch    Fetcher
	emit     Emitter
	logger   *zap.Logger
}

func NewRegistry(self chat.UserID, fetch Fetcher, emit Emitter, logger *zap.Logger) *Registry {
	return &Registry{
		self:     self,
		channels: make(map[chat.ChannelID]*chat.Channel),
		fetch:    fetch,
		emit:     emit,
		logger:   obslog.Or(logger, "channel"),
	}
}

func clone(c *chat.Channel) chat.Channel {
	out := *c
	out.Members = append([]chat.UserRef(nil), c.Members...)
	out.Subchannels = append([]chat.Subchannel(nil), c.Subchannels...)
	out.Topics = append([]chat.Topic(nil), c.Topics...)
	return out
}

// Put seeds or replaces a channel without announcing it.
func (r *Registry) Put(c chat.Channel) {
	if len(c.Members) != 2 {
		c.IsTwoPeople = false
	}
	r.mu.Lock()
	cp := clone(&c)
	r.channels[c.ID] = &cp
	r.mu.Unlock()
}

// Lookup returns a copy of a joined channel.
func (r *Registry) Lookup(id chat.ChannelID) (chat.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[id]
	if !ok {
		return chat.Channel{}, false
	}
	return clone(c), true
}

// Join loads the channel when unknown, checks membership and announces the
// room on the transport.
func (r *Registry) Join(ctx context.Context, id chat.ChannelID) (chat.Channel, error) {
	c, ok := r.Lookup(id)
	if !ok {
		if r.fetch == nil {
			return chat.Channel{}, fmt.Errorf("%w: %d", ErrUnknownChannel, id)
		}
		fetched, err := r.fetch.FetchChannel(ctx, id)
		if err != nil {
			return chat.Channel{}, fmt.Errorf("fetch channel %d: %w", id, err)
		}
		c = fetched
	}
	if !c.IsMember(r.self) {
		return chat.Channel{}, fmt.Errorf("%w: user %d channel %d", ErrNotMember, r.self, id)
	}
	r.Put(c)
	if err := r.announce(ctx, transport.EventJoinChannel, id); err != nil {
		return c, err
	}
	r.logger.Info("channel_joined", zap.Int64("channel_id", int64(id)), zap.Int("members", len(c.Members)), zap.Bool("two_people", c.IsTwoPeople))
	return c, nil
}

func (r *Registry) announce(ctx context.Context, ev transport.Event, id chat.ChannelID) error {
	if r.emit == nil {
		return nil
	}
	if err := r.emit.Emit(ctx, ev, transport.RoomPayload{ChannelID: id, UserID: r.self}); err != nil {
		return fmt.Errorf("%s %d: %w", ev, id, err)
	}
	return nil
}

// Leave forgets a channel and tells the transport.
func (r *Registry) Leave(ctx context.Context, id chat.ChannelID) error {
	r.mu.Lock()
	_, ok := r.channels[id]
	delete(r.channels, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	r.logger.Info("channel_left", zap.Int64("channel_id", int64(id)))
	return r.announce(ctx, transport.EventLeaveChannel, id)
}

// Rejoin re-announces every joined room, e.g. after a reconnect. It keeps
// going on errors and returns them joined.
func (r *Registry) Rejoin(ctx context.Context) error {
	var errs []error
	for _, id := range r.Rooms() {
		if err := r.announce(ctx, transport.EventJoinChannel, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Rooms returns the joined channel ids in ascending order.
func (r *Registry) Rooms() []chat.ChannelID {
	r.mu.RLock()
	out := make([]chat.ChannelID, 0, len(r.channels))
	for id := range r.channels {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) Members(id chat.ChannelID) []chat.UserRef {
	c, ok := r.Lookup(id)
	if !ok {
		return nil
	}
	return c.Members
}

func (r *Registry) IsTwoPeople(id chat.ChannelID) bool {
	c, ok := r.Lookup(id)
	return ok && c.IsTwoPeople
}

// Scopes lists every scope a channel exposes: the main sequence plus one per
// subchannel and topic.
func (r *Registry) Scopes(id chat.ChannelID) []chat.Scope {
	c, ok := r.Lookup(id)
	if !ok {
		return nil
	}
	out := []chat.Scope{{Channel: id}}
	for _, s := range c.Subchannels {
		out = append(out, chat.Scope{Channel: id, Subchannel: s.ID})
	}
	for _, t := range c.Topics {
		out = append(out, chat.Scope{Channel: id, Topic: t.ID})
	}
	return out
}

// MarkChessGame flips HasChessGame. Returns false for unknown channels.
func (r *Registry) MarkChessGame(id chat.ChannelID, active bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[id]
	if !ok {
		return false
	}
	c.HasChessGame = active
	return true
}

// AddTopic records a new topic (subject) in a channel.
func (r *Registry) AddTopic(id chat.ChannelID, t chat.Topic) error {
	if t.ID == 0 || strings.TrimSpace(t.Content) == "" {
		return fmt.Errorf("%w: empty topic", ErrUnknownTopic)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	for i := range c.Topics {
		if c.Topics[i].ID == t.ID {
			c.Topics[i] = t
			return nil
		}
	}
	c.Topics = append(c.Topics, t)
	return nil
}

// ReloadTopic brings an existing topic back as a reloaded-subject message
// from by. The returned message carries the temp token and is ready for the
// optimistic send path.
func (r *Registry) ReloadTopic(id chat.ChannelID, topic chat.TopicID, by chat.UserID, token string, at time.Time) (*chat.Message, error) {
	if at.IsZero() {
		at = time.Now()
	}
	r.mu.Lock()
	c, ok := r.channels[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	if !c.IsMember(by) {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: user %d channel %d", ErrNotMember, by, id)
	}
	idx := -1
	for i := range c.Topics {
		if c.Topics[i].ID == topic {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrUnknownTopic, topic)
	}
	c.Topics[idx].ReloaderID = by
	c.Topics[idx].ReloadTimeStamp = at
	t := c.Topics[idx]
	r.mu.Unlock()

	msg := &chat.Message{
		ID:        chat.Temp(token),
		ChannelID: id,
		UserID:    by,
		Content:   t.Content,
		Timestamp: at,
		Kind:      chat.KindReloadedSubject,
		Subject:   &chat.Subject{TopicID: t.ID, UploaderID: t.UploaderID, ReloaderID: by},
		Status:    chat.StatusPending,
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	r.logger.Info("channel_topic_reloaded", zap.Int64("channel_id", int64(id)), zap.Int64("topic_id", int64(topic)), zap.Int64("by", int64(by)))
	return msg, nil
}

// ObserveSubject updates topics from a delivered subject message.
func (r *Registry) ObserveSubject(m *chat.Message) bool {
	if m == nil || m.Subject == nil || (m.Kind != chat.KindSubject && m.Kind != chat.KindReloadedSubject) {
		return false
	}
	t := chat.Topic{ID: m.Subject.TopicID, Content: m.Content, UploaderID: m.Subject.UploaderID, TimeStamp: m.Timestamp}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[m.ChannelID]
	if !ok {
		return false
	}
	for i := range c.Topics {
		if c.Topics[i].ID != t.ID {
			continue
		}
		if m.Kind == chat.KindReloadedSubject {
			c.Topics[i].ReloaderID = m.Subject.ReloaderID
			c.Topics[i].ReloadTimeStamp = m.Timestamp
		}
		return true
	}
	if m.Kind == chat.KindReloadedSubject {
		t.ReloaderID = m.Subject.ReloaderID
		t.ReloadTimeStamp = m.Timestamp
	}
	c.Topics = append(c.Topics, t)
	return true
}
