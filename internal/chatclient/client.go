// Package chatclient is the UI-facing façade. It owns the optimistic send
// path and wires the store, engine, reconciler and reaction aggregator to a
// transport and the persistence API.
package chatclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/park285/cheese-chat/internal/attachment"
	"github.com/park285/cheese-chat/internal/backend"
	"github.com/park285/cheese-chat/internal/channel"
	"github.com/park285/cheese-chat/internal/chat"
	"github.com/park285/cheese-chat/internal/countdown"
	"github.com/park285/cheese-chat/internal/gameengine"
	"github.com/park285/cheese-chat/internal/msgcat"
	"github.com/park285/cheese-chat/internal/msgstore"
	"github.com/park285/cheese-chat/internal/obslog"
	"github.com/park285/cheese-chat/internal/reaction"
	"github.com/park285/cheese-chat/internal/reconciler"
	"github.com/park285/cheese-chat/internal/transport"
	"go.uber.org/zap"
)

var (
	// ErrIdentityLost is returned once the backend stopped accepting the
	// session. Every later call fails with it.
	ErrIdentityLost  = errors.New("chat identity lost")
	ErrNotOwner      = errors.New("message belongs to another user")
	ErrUnknownEntry  = errors.New("message not found in scope")
	ErrNotRetryable  = errors.New("message is not in failed state")
	ErrNeedsFile     = errors.New("attachment must be picked again")
	ErrMoveRejected  = errors.New("move rejected by relay")
	ErrMoveUnsettled = errors.New("move sent but not acknowledged")
	ErrNotWaiting    = errors.New("countdown only runs while waiting for the opponent")
)

// API is the persistence surface the client needs. *backend.Client
// satisfies it.
type API interface {
	SaveMessage(ctx context.Context, m *chat.Message) (backend.SaveResponse, error)
	LoadMoreMessages(ctx context.Context, scope chat.Scope, before int64, limit int) (chat.Page, error)
	PostReaction(ctx context.Context, msg chat.MessageID, typ string) error
	RemoveReaction(ctx context.Context, msg chat.MessageID, typ string) error
	FetchCurrentChessState(ctx context.Context, ch chat.ChannelID) (*chat.ChessState, error)
	SetChessMoveViewTimeStamp(ctx context.Context, ch chat.ChannelID, viewer chat.UserID, at time.Time) error
	FetchChannel(ctx context.Context, ch chat.ChannelID) (chat.Channel, error)
	ResolveNames(ctx context.Context, ids []chat.UserID) (map[chat.UserID]string, error)
	Upload(ctx context.Context, ch chat.ChannelID, f backend.File) (chat.Attachment, error)
}

var _ API = (*backend.Client)(nil)

type Options struct {
	PageSize         int
	CountdownSeconds int
	EditWindow       time.Duration
	EditCapacity     int
	NoticeDir        string
	Logger           *zap.Logger
	Now              func() time.Time
	NewToken         func() string
}

// Client is safe for concurrent use by one UI.
type Client struct {
	self      chat.UserID
	tr        transport.Channel
	api       API
	uploader  attachment.Uploader
	store     *msgstore.Store
	engine    *gameengine.Engine
	timer     *countdown.Countdown
	reactions *reaction.Aggregator
	rooms     *channel.Registry
	rec       *reconciler.Reconciler
	notices   *msgcat.Catalog
	logger    *zap.Logger

	pageSize int
	seconds  int
	now      func() time.Time
	newToken func() string

	lost atomic.Bool

	mu     sync.Mutex
	files  map[string]attachment.File // failed uploads kept for Retry
	gaveUp chan chat.ChannelID
}

// New assembles the client core around tr and api.
func New(self chat.UserID, tr transport.Channel, api API, opts Options) (*Client, error) {
	if self <= 0 {
		return nil, fmt.Errorf("%w: no user id", ErrIdentityLost)
	}
	if tr == nil || api == nil {
		return nil, errors.New("chatclient: transport and api are required")
	}
	logger := obslog.Or(opts.Logger, "chatclient")
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewToken == nil {
		opts.NewToken = uuid.NewString
	}
	notices, err := msgcat.New(opts.NoticeDir)
	if err != nil {
		return nil, fmt.Errorf("load notices: %w", err)
	}

	rooms := channel.NewRegistry(self, api, tr, opts.Logger)
	store := msgstore.NewStore(api, opts.PageSize, opts.Logger)
	engine := gameengine.NewEngine(rooms, opts.Logger)
	timer := countdown.New(tr, opts.Logger)
	reactions := reaction.NewAggregator(api, tr, api, opts.Logger)
	rec := reconciler.New(reconciler.Deps{
		Self:      self,
		Transport: tr,
		Store:     store,
		Engine:    engine,
		Countdown: timer,
		Reactions: reactions,
		Rooms:     rooms,
		History:   api,
		Chess:     api,
		Logger:    opts.Logger,
	}, reconciler.Options{
		EditWindow:   opts.EditWindow,
		EditCapacity: opts.EditCapacity,
		PageSize:     opts.PageSize,
		Now:          opts.Now,
	})

	return &Client{
		self:      self,
		tr:        tr,
		api:       api,
		uploader:  attachment.NewHTTPUploader(api, opts.Logger),
		store:     store,
		engine:    engine,
		timer:     timer,
		reactions: reactions,
		rooms:     rooms,
		rec:       rec,
		notices:   notices,
		logger:    logger,
		pageSize:  opts.PageSize,
		seconds:   opts.CountdownSeconds,
		now:       opts.Now,
		newToken:  opts.NewToken,
		files:     make(map[string]attachment.File),
	}, nil
}

// Start registers the inbound handlers and connects. The gave-up watcher and
// the pending buffer sweeper run until ctx ends.
func (c *Client) Start(ctx context.Context) error {
	c.rec.Start(ctx)
	go c.watchCountdown(ctx)
	if err := c.tr.Connect(ctx); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	c.logger.Info("chat_client_started", zap.Int64("user_id", int64(c.self)))
	return nil
}

func (c *Client) Close(ctx context.Context) error { return c.tr.Close(ctx) }

func (c *Client) Self() chat.UserID                   { return c.self }
func (c *Client) Store() *msgstore.Store              { return c.store }
func (c *Client) Engine() *gameengine.Engine          { return c.engine }
func (c *Client) Rooms() *channel.Registry            { return c.rooms }
func (c *Client) Reactions() *reaction.Aggregator     { return c.reactions }
func (c *Client) OnChange(fn func(reconciler.Change)) { c.rec.OnChange(fn) }

func (c *Client) alive() error {
	if c.lost.Load() {
		return ErrIdentityLost
	}
	return nil
}

// guard turns an unauthorized backend answer into identity loss.
func (c *Client) guard(err error) error {
	if err != nil && errors.Is(err, backend.ErrUnauthorized) {
		if !c.lost.Swap(true) {
			c.logger.Error("chat_identity_lost", zap.Error(err))
		}
		return fmt.Errorf("%w: %w", ErrIdentityLost, err)
	}
	return err
}

// Join enters a channel, loads its newest page and, for two-person
// channels, the stored chess game.
func (c *Client) Join(ctx context.Context, id chat.ChannelID) (chat.Channel, error) {
	if err := c.alive(); err != nil {
		return chat.Channel{}, err
	}
	ch, err := c.rooms.Join(ctx, id)
	if err != nil {
		return chat.Channel{}, c.guard(err)
	}
	scope := chat.Scope{Channel: id}
	page, err := c.api.LoadMoreMessages(ctx, scope, 0, c.pageSize)
	if err != nil {
		return ch, c.guard(fmt.Errorf("load newest page: %w", err))
	}
	for _, m := range c.store.MergePage(scope, page) {
		c.reactions.Seed(m)
	}
	if ch.IsTwoPeople {
		if err := c.LoadChessState(ctx, id); err != nil {
			c.logger.Warn("chess_state_load_failed", zap.Int64("channel_id", int64(id)), zap.Error(err))
		}
	}
	return ch, nil
}

func (c *Client) Leave(ctx context.Context, id chat.ChannelID) error {
	return c.rooms.Leave(ctx, id)
}

// LoadOlder pages history before the oldest known message of scope.
func (c *Client) LoadOlder(ctx context.Context, scope chat.Scope) (chat.Page, error) {
	if err := c.alive(); err != nil {
		return chat.Page{}, err
	}
	page, err := c.store.LoadOlder(ctx, scope, chat.MessageID{})
	if err != nil {
		return chat.Page{}, c.guard(err)
	}
	for _, m := range page.Messages {
		c.reactions.Seed(m)
	}
	return page, nil
}

// SendOptions are the optional parts of a user message.
type SendOptions struct {
	ReplyTo int64
	File    *attachment.File
}

// Send posts a text or attachment message. The entry shows up immediately
// as pending and is promoted once the backend assigned an id. A failed
// send stays in the store as failed until Retry.
func (c *Client) Send(ctx context.Context, scope chat.Scope, content string, opts SendOptions) (*chat.Message, error) {
	if err := c.alive(); err != nil {
		return nil, err
	}
	msg := &chat.Message{
		ID:            chat.Temp(c.newToken()),
		ChannelID:     scope.Channel,
		SubchannelID:  scope.Subchannel,
		TopicID:       scope.Topic,
		UserID:        c.self,
		Content:       content,
		Timestamp:     c.now(),
		ReplyTargetID: opts.ReplyTo,
		Kind:          chat.KindText,
	}
	if f := opts.File; f != nil {
		msg.Kind = chat.KindAttachment
		msg.Attachment = &chat.Attachment{
			FileName: f.Name,
			FileType: attachment.DetectType(f.Name, f.ContentType, f.Data),
		}
	}
	return c.post(ctx, scope, msg, opts.File)
}

func (c *Client) post(ctx context.Context, scope chat.Scope, msg *chat.Message, file *attachment.File) (*chat.Message, error) {
	if err := c.store.AppendOptimistic(scope, msg); err != nil {
		return nil, err
	}
	return c.deliver(ctx, scope, msg, file)
}

// deliver runs upload, save, reconcile and broadcast for an optimistic entry.
func (c *Client) deliver(ctx context.Context, scope chat.Scope, msg *chat.Message, file *attachment.File) (*chat.Message, error) {
	token := msg.ID.Token()
	if file != nil {
		att, err := c.uploader.Upload(ctx, scope.Channel, *file)
		if err != nil {
			c.mu.Lock()
			c.files[token] = *file
			c.mu.Unlock()
			return nil, c.fail(scope, token, err)
		}
		c.mu.Lock()
		delete(c.files, token)
		c.mu.Unlock()
		msg.Attachment = &att
		c.store.Update(scope, msg.ID, func(m *chat.Message) { m.Attachment = &att })
	}

	if err := c.rec.WaitSendable(ctx); err != nil {
		return nil, c.fail(scope, token, err)
	}
	resp, err := c.api.SaveMessage(ctx, msg)
	if err != nil {
		return nil, c.fail(scope, token, err)
	}
	id, err := msg.ID.Promote(resp.MessageID)
	if err != nil {
		return nil, c.fail(scope, token, err)
	}
	out, err := c.store.Reconcile(scope, token, resp.MessageID, -1)
	if err != nil {
		c.logger.Warn("reconcile_failed", zap.String("token", token), zap.Int64("message_id", resp.MessageID), zap.Error(err))
	}
	msg = msg.Clone()
	msg.ID = id
	msg.Status = chat.StatusConfirmed
	msg.FailureReason = ""
	if !resp.Timestamp.IsZero() {
		msg.Timestamp = resp.Timestamp
	}
	c.reactions.Seed(msg)

	if err := c.tr.Emit(ctx, transport.EventNewChatMessage, msg); err != nil {
		// persisted anyway; peers pick it up on their next gap fill
		c.logger.Warn("broadcast_failed", zap.String("message_id", id.String()), zap.Error(err))
	}
	c.logger.Debug("message_sent", zap.String("scope", scope.String()), zap.String("message_id", id.String()),
		zap.String("kind", string(msg.Kind)), zap.Stringer("outcome", out))
	return msg, nil
}

func (c *Client) fail(scope chat.Scope, token string, err error) error {
	err = c.guard(err)
	reason := c.notices.RenderOr(msgcat.SendFailed, nil, err.Error())
	c.store.MarkFailed(scope, token, reason)
	c.logger.Warn("message_send_failed", zap.String("scope", scope.String()), zap.String("token", token),
		zap.Bool("confirmed", chat.IsConfirmedFailure(err)), zap.Error(err))
	return err
}

// Retry resends a failed entry under its original token. Attachments whose
// upload failed are re-uploaded from the kept file.
func (c *Client) Retry(ctx context.Context, scope chat.Scope, token string) (*chat.Message, error) {
	if err := c.alive(); err != nil {
		return nil, err
	}
	id := chat.Temp(token)
	msg, ok := c.store.Get(scope, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}
	if msg.Status != chat.StatusFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, msg.Status)
	}
	var file *attachment.File
	if msg.Kind == chat.KindAttachment && msg.Attachment.FilePath == "" {
		c.mu.Lock()
		f, kept := c.files[token]
		c.mu.Unlock()
		if !kept {
			return nil, ErrNeedsFile
		}
		file = &f
	}
	c.store.MarkPending(scope, token)
	c.logger.Info("message_retry", zap.String("scope", scope.String()), zap.String("token", token))
	return c.deliver(ctx, scope, msg, file)
}

func (c *Client) own(scope chat.Scope, id chat.MessageID) (*chat.Message, error) {
	m, ok := c.store.Get(scope, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}
	if m.UserID != c.self {
		return nil, ErrNotOwner
	}
	return m, nil
}

// Edit changes the content of one of our persisted messages.
func (c *Client) Edit(ctx context.Context, scope chat.Scope, id chat.MessageID, content string) error {
	if err := c.alive(); err != nil {
		return err
	}
	if _, err := c.own(scope, id); err != nil {
		return err
	}
	if !id.IsPersisted() {
		return fmt.Errorf("%w: %s is not persisted", chat.ErrRejected, id)
	}
	c.store.Edit(scope, id, content)
	return c.tr.Emit(ctx, transport.EventEditMessage, transport.EditPayload{Scope: scope, MessageID: id, Content: content})
}

// Delete removes one of our messages. Failed optimistic entries are dropped
// locally without telling anyone.
func (c *Client) Delete(ctx context.Context, scope chat.Scope, id chat.MessageID) error {
	if err := c.alive(); err != nil {
		return err
	}
	m, err := c.own(scope, id)
	if err != nil {
		return err
	}
	c.store.Delete(scope, id)
	if !m.ID.IsPersisted() {
		c.mu.Lock()
		delete(c.files, m.ID.Token())
		c.mu.Unlock()
		return nil
	}
	return c.tr.Emit(ctx, transport.EventDeleteMessage, transport.TargetPayload{Scope: scope, MessageID: m.ID})
}

func (c *Client) HideAttachment(ctx context.Context, scope chat.Scope, id chat.MessageID) error {
	if err := c.alive(); err != nil {
		return err
	}
	m, err := c.own(scope, id)
	if err != nil {
		return err
	}
	if m.Kind != chat.KindAttachment || !m.ID.IsPersisted() {
		return fmt.Errorf("%w: %s has no stored attachment", chat.ErrRejected, id)
	}
	c.store.HideAttachment(scope, m.ID)
	return c.tr.Emit(ctx, transport.EventHideAttachment, transport.TargetPayload{Scope: scope, MessageID: m.ID})
}

// React toggles our reaction of typ on msg.
func (c *Client) React(ctx context.Context, ch chat.ChannelID, msg chat.MessageID, typ string, on bool) (bool, error) {
	if err := c.alive(); err != nil {
		return false, err
	}
	r := chat.Reaction{MessageID: msg, UserID: c.self, Type: typ}
	var (
		changed bool
		err     error
	)
	if on {
		changed, err = c.reactions.Add(ctx, ch, r)
	} else {
		changed, err = c.reactions.Remove(ctx, ch, r)
	}
	return changed, c.guard(err)
}

// ReloadTopic posts a topic again as a reloaded-subject message.
func (c *Client) ReloadTopic(ctx context.Context, ch chat.ChannelID, topic chat.TopicID) (*chat.Message, error) {
	if err := c.alive(); err != nil {
		return nil, err
	}
	msg, err := c.rooms.ReloadTopic(ch, topic, c.self, c.newToken(), c.now())
	if err != nil {
		return nil, err
	}
	return c.post(ctx, msg.Scope(), msg, nil)
}

// notify posts a notification message. Failures are logged only.
func (c *Client) notify(ctx context.Context, ch chat.ChannelID, key string, data msgcat.Data) {
	text, err := c.notices.Render(key, data)
	if err != nil {
		c.logger.Warn("notice_render_failed", zap.String("key", key), zap.Error(err))
		return
	}
	msg := &chat.Message{
		ID:        chat.Temp(c.newToken()),
		ChannelID: ch,
		UserID:    c.self,
		Content:   text,
		Timestamp: c.now(),
		Kind:      chat.KindNotification,
	}
	if _, err := c.post(ctx, chat.Scope{Channel: ch}, msg, nil); err != nil {
		c.logger.Warn("notice_post_failed", zap.String("key", key), zap.Int64("channel_id", int64(ch)), zap.Error(err))
	}
}

// nameOf returns the display name of a channel member.
func (c *Client) nameOf(ch chat.ChannelID, u chat.UserID) string {
	for _, m := range c.rooms.Members(ch) {
		if m.ID == u && m.Username != "" {
			return m.Username
		}
	}
	return fmt.Sprintf("#%d", u)
}
