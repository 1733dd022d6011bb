// Package reconciler is the single entry point for inbound transport
// events. It routes each event to the store, the game engine, the countdown
// or the reaction aggregator, and resyncs after a reconnect.
package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/park285/cheese-chat/internal/channel"
	"github.com/park285/cheese-chat/internal/chat"
	"github.com/park285/cheese-chat/internal/countdown"
	"github.com/park285/cheese-chat/internal/diag"
	"github.com/park285/cheese-chat/internal/gameengine"
	"github.com/park285/cheese-chat/internal/msgstore"
	"github.com/park285/cheese-chat/internal/obslog"
	"github.com/park285/cheese-chat/internal/reaction"
	"github.com/park285/cheese-chat/internal/transport"
	"go.uber.org/zap"
)

// ChessFetcher loads the stored chess state of a channel.
type ChessFetcher interface {
	FetchCurrentChessState(ctx context.Context, ch chat.ChannelID) (*chat.ChessState, error)
}

// ChangeKind tells observers which part of local state moved.
type ChangeKind string

const (
	ChangeMessage   ChangeKind = "message"
	ChangeChess     ChangeKind = "chess"
	ChangeReaction  ChangeKind = "reaction"
	ChangeCountdown ChangeKind = "countdown"
	ChangeResync    ChangeKind = "resync"
)

// Change is published after an inbound event was applied.
type Change struct {
	Kind      ChangeKind
	Event     transport.Event
	Channel   chat.ChannelID
	Scope     chat.Scope
	MessageID chat.MessageID
	From      chat.UserID
}

// Deps are the collaborators the reconciler routes to.
type Deps struct {
	Self      chat.UserID
	Transport transport.Channel
	Store     *msgstore.Store
	Engine    *gameengine.Engine
	Countdown *countdown.Countdown
	Reactions *reaction.Aggregator
	Rooms     *channel.Registry
	History   msgstore.PageFetcher
	Chess     ChessFetcher
	Logger    *zap.Logger
}

// Options tunes the pending edit/delete buffer and resync paging.
type Options struct {
	EditWindow   time.Duration
	EditCapacity int
	PageSize     int
	MaxGapPages  int
	Now          func() time.Time
}

type Reconciler struct {
	Deps
	opts    Options
	pending *pendingBuffer
	gate    *gate
	logger  *zap.Logger

	mu        sync.Mutex
	base      context.Context
	connected bool
	dropped   bool
	observers []func(Change)
	resyncing bool
}

func New(d Deps, opts Options) *Reconciler {
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if opts.MaxGapPages <= 0 {
		opts.MaxGapPages = 10
	}
	logger := obslog.Or(d.Logger, "reconciler")
	return &Reconciler{
		Deps:    d,
		opts:    opts,
		pending: newPendingBuffer(opts.EditWindow, opts.EditCapacity, opts.Now, logger),
		gate:    newGate(),
		logger:  logger,
		base:    context.Background(),
	}
}

// OnChange registers an observer. Observers run on the transport goroutine
// and must not block.
func (r *Reconciler) OnChange(fn func(Change)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	r.mu.Unlock()
}

func (r *Reconciler) publish(c Change) {
	r.mu.Lock()
	obs := make([]func(Change), len(r.observers))
	copy(obs, r.observers)
	r.mu.Unlock()
	for _, fn := range obs {
		fn(c)
	}
}

// Start registers every handler on the transport and runs the buffer sweeper
// until ctx ends. Resyncs triggered by reconnects use ctx as their parent.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	r.base = ctx
	r.connected = r.Transport.State() == transport.StateConnected
	r.mu.Unlock()

	t := r.Transport
	t.On(transport.EventNewMessageReceived, r.onNewMessage)
	t.On(transport.EventEditMessage, r.onEdit)
	t.On(transport.EventDeleteMessage, r.onDelete)
	t.On(transport.EventHideAttachment, r.onHide)
	t.On(transport.EventUserMadeMove, r.onMove)
	t.On(transport.EventEndChessGame, r.onEnd)
	t.On(transport.EventRequestRewind, r.onRewind)
	t.On(transport.EventAcceptRewind, r.onRewind)
	t.On(transport.EventDeclineRewind, r.onRewind)
	t.On(transport.EventCancelRewind, r.onRewind)
	t.On(transport.EventMoveViewed, r.onViewed)
	t.On(transport.EventResultSeen, r.onResultSeen)
	t.On(transport.EventCountdownNumber, r.onCountdown)
	t.On(transport.EventTimerCleared, r.onTimerCleared)
	t.On(transport.EventNewReaction, r.onReaction)
	t.On(transport.EventRemovedReaction, r.onReaction)
	t.OnStateChange(r.onState)

	go r.sweepLoop(ctx)
}

func (r *Reconciler) sweepLoop(ctx context.Context) {
	every := r.pending.window / 2
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pending.sweep()
		}
	}
}

// WaitSendable blocks while a resync holds the send gate.
func (r *Reconciler) WaitSendable(ctx context.Context) error { return r.gate.wait(ctx) }

// Sendable reports whether outbound sends may proceed.
func (r *Reconciler) Sendable() bool { return r.gate.isOpen() }

// Parked returns the number of buffered edit/delete events.
func (r *Reconciler) Parked() int { return r.pending.len() }

// SweepPending drops parked mutations older than the window.
func (r *Reconciler) SweepPending() int { return r.pending.sweep() }

func (r *Reconciler) ignore(ev transport.Event, reason string, fields ...zap.Field) {
	diag.Ignored(string(ev), reason)
	fields = append([]zap.Field{zap.String("event", string(ev)), zap.String("reason", reason)}, fields...)
	r.logger.Info("event_ignored", fields...)
}

func (r *Reconciler) reject(ev transport.Event, err error, fields ...zap.Field) {
	diag.Ignored(string(ev), reasonOf(err))
	fields = append([]zap.Field{zap.String("event", string(ev)), zap.Error(err)}, fields...)
	r.logger.Warn("event_rejected", fields...)
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, gameengine.ErrOutOfSequence):
		return "out_of_sequence"
	case errors.Is(err, gameengine.ErrNotYourTurn):
		return "not_your_turn"
	case errors.Is(err, gameengine.ErrIllegalMove):
		return "illegal_move"
	case errors.Is(err, gameengine.ErrGameOver):
		return "game_over"
	case errors.Is(err, gameengine.ErrNoGame):
		return "no_game"
	case errors.Is(err, gameengine.ErrRewindMismatch):
		return "rewind_mismatch"
	case errors.Is(err, gameengine.ErrRewindPending):
		return "rewind_pending"
	case errors.Is(err, gameengine.ErrNotMember), errors.Is(err, gameengine.ErrNotTwoPeople), errors.Is(err, gameengine.ErrUnknownChannel):
		return "not_member"
	default:
		return "invalid"
	}
}

// ---- messages ----

func (r *Reconciler) onNewMessage(_ context.Context, f transport.Frame) {
	msg, err := transport.Decode[chat.Message](f.Data)
	if err != nil {
		r.reject(f.Event, err)
		return
	}
	r.ApplyMessage(&msg)
}

// ApplyMessage inserts a delivered message and routes its side effects.
func (r *Reconciler) ApplyMessage(msg *chat.Message) {
	ev := transport.EventNewMessageReceived
	if err := msg.Validate(); err != nil {
		r.reject(ev, err)
		return
	}
	if !msg.ID.IsPersisted() {
		r.ignore(ev, "not_persisted", zap.String("message_id", msg.ID.String()))
		return
	}
	scope := msg.Scope()
	res, err := r.Store.Insert(scope, msg)
	if err != nil {
		r.reject(ev, err, zap.String("message_id", msg.ID.String()))
		return
	}
	switch res {
	case msgstore.Duplicate:
		r.ignore(ev, "duplicate", zap.String("message_id", msg.ID.String()))
		return
	case msgstore.Tombstoned:
		r.ignore(ev, "deleted", zap.String("message_id", msg.ID.String()))
		r.pending.take(msg.ID)
		return
	}
	diag.Applied(string(ev))
	if r.Reactions != nil {
		r.Reactions.Seed(msg)
	}
	if r.Rooms != nil {
		r.Rooms.ObserveSubject(msg)
	}
	r.replayParked(msg.ID)
	r.publish(Change{Kind: ChangeMessage, Event: ev, Channel: msg.ChannelID, Scope: scope, MessageID: msg.ID, From: msg.UserID})

	// our own echo already sits in the engine
	if res == msgstore.Inserted && msg.Kind == chat.KindChess && msg.UserID != r.Self {
		r.applyChessMessage(msg)
	}
}

// applyChessMessage forwards the move a chess message carries. A message
// ahead of local state is trusted as a snapshot.
func (r *Reconciler) applyChessMessage(msg *chat.Message) {
	st := msg.Chess
	if r.Engine == nil || st.Move.Number == 0 {
		return
	}
	mv := transport.MovePayload{
		ChannelID: msg.ChannelID,
		MessageID: msg.ID,
		Number:    st.Move.Number,
		By:        st.Move.By,
		UCI:       st.Move.UCI,
		OfferDraw: st.DrawOfferedBy != 0 && st.DrawOfferedBy == st.Move.By,
	}
	out, err := r.Engine.ApplyRemote(mv)
	if err == nil {
		if out != gameengine.Duplicate {
			r.moveSettled(msg.ChannelID)
			r.publish(Change{Kind: ChangeChess, Event: transport.EventUserMadeMove, Channel: msg.ChannelID, MessageID: msg.ID, From: mv.By})
		}
		return
	}
	local := 0
	if cur, ok := r.Engine.Snapshot(msg.ChannelID); ok {
		local = cur.Move.Number
	}
	if errors.Is(err, gameengine.ErrOutOfSequence) && st.Move.Number > local+1 && len(st.MovesUCI) == st.Move.Number {
		if rerr := r.Engine.Restore(msg.ChannelID, st); rerr != nil {
			r.reject(transport.EventNewMessageReceived, rerr, zap.Int64("channel_id", int64(msg.ChannelID)))
			return
		}
		r.moveSettled(msg.ChannelID)
		r.publish(Change{Kind: ChangeChess, Event: transport.EventNewMessageReceived, Channel: msg.ChannelID, MessageID: msg.ID, From: mv.By})
		return
	}
	r.reject(transport.EventNewMessageReceived, err, zap.Int64("channel_id", int64(msg.ChannelID)), zap.Int("move_number", mv.Number))
}

func (r *Reconciler) replayParked(id chat.MessageID) {
	for _, m := range r.pending.take(id) {
		scope, ok := r.Store.Locate(m.scope.Channel, id)
		if !ok {
			scope = m.scope
		}
		switch m.event {
		case transport.EventEditMessage:
			r.Store.Edit(scope, id, m.content)
		case transport.EventDeleteMessage:
			r.Store.Delete(scope, id)
		}
		diag.Applied(string(m.event))
		r.logger.Debug("pending_mutation_replayed", zap.String("event", string(m.event)), zap.String("message_id", id.String()))
		r.publish(Change{Kind: ChangeMessage, Event: m.event, Channel: scope.Channel, Scope: scope, MessageID: id})
	}
}

// resolve finds the scope actually holding id, preferring the hinted one.
func (r *Reconciler) resolve(hint chat.Scope, id chat.MessageID) (chat.Scope, bool) {
	if r.Store.Has(hint, id) {
		return hint, true
	}
	return r.Store.Locate(hint.Channel, id)
}

func (r *Reconciler) onEdit(_ context.Context, f transport.Frame) {
	p, err := transport.Decode[transport.EditPayload](f.Data)
	if err != nil || p.MessageID.IsZero() {
		r.reject(f.Event, errors.Join(err, errors.New("edit without target")))
		return
	}
	scope, ok := r.resolve(p.Scope, p.MessageID)
	if !ok {
		r.pending.park(mutation{event: f.Event, scope: p.Scope, id: p.MessageID, content: p.Content})
		return
	}
	if !r.Store.Edit(scope, p.MessageID, p.Content) {
		r.ignore(f.Event, "unchanged", zap.String("message_id", p.MessageID.String()))
		return
	}
	diag.Applied(string(f.Event))
	r.publish(Change{Kind: ChangeMessage, Event: f.Event, Channel: scope.Channel, Scope: scope, MessageID: p.MessageID, From: f.From})
}

func (r *Reconciler) onDelete(_ context.Context, f transport.Frame) {
	p, err := transport.Decode[transport.TargetPayload](f.Data)
	if err != nil || p.MessageID.IsZero() {
		r.reject(f.Event, errors.Join(err, errors.New("delete without target")))
		return
	}
	scope, ok := r.resolve(p.Scope, p.MessageID)
	if !ok {
		// tombstone now so a late copy cannot resurrect it, then park
		r.Store.Delete(p.Scope, p.MessageID)
		r.pending.park(mutation{event: f.Event, scope: p.Scope, id: p.MessageID})
		return
	}
	if !r.Store.Delete(scope, p.MessageID) {
		r.ignore(f.Event, "already_deleted", zap.String("message_id", p.MessageID.String()))
		return
	}
	diag.Applied(string(f.Event))
	r.publish(Change{Kind: ChangeMessage, Event: f.Event, Channel: scope.Channel, Scope: scope, MessageID: p.MessageID, From: f.From})
}

func (r *Reconciler) onHide(_ context.Context, f transport.Frame) {
	p, err := transport.Decode[transport.TargetPayload](f.Data)
	if err != nil {
		r.reject(f.Event, err)
		return
	}
	scope, ok := r.resolve(p.Scope, p.MessageID)
	if !ok || !r.Store.HideAttachment(scope, p.MessageID) {
		r.ignore(f.Event, "noop", zap.String("message_id", p.MessageID.String()))
		return
	}
	diag.Applied(string(f.Event))
	r.publish(Change{Kind: ChangeMessage, Event: f.Event, Channel: scope.Channel, Scope: scope, MessageID: p.MessageID, From: f.From})
}

// ---- chess ----

func (r *Reconciler) onMove(_ context.Context, f transport.Frame) {
	p, err := transport.Decode[transport.MovePayload](f.Data)
	if err != nil {
		r.reject(f.Event, err)
		return
	}
	if p.By == r.Self {
		r.ignore(f.Event, "own_echo", zap.Int("move_number", p.Number))
		return
	}
	out, err := r.Engine.ApplyRemote(p)
	if err != nil {
		r.reject(f.Event, err, zap.Int64("channel_id", int64(p.ChannelID)), zap.Int("move_number", p.Number))
		return
	}
	if out == gameengine.Duplicate {
		return
	}
	diag.Applied(string(f.Event))
	r.moveSettled(p.ChannelID)
	r.publish(Change{Kind: ChangeChess, Event: f.Event, Channel: p.ChannelID, MessageID: p.MessageID, From: p.By})
}

// moveSettled runs once per peer move however it reached the engine: the
// user_made_a_move frame or the chess message carrying the same move.
func (r *Reconciler) moveSettled(ch chat.ChannelID) {
	if r.Countdown != nil {
		r.Countdown.Clear(ch)
	}
	if r.Rooms != nil {
		r.Rooms.MarkChessGame(ch, true)
	}
}

func (r *Reconciler) onEnd(_ context.Context, f transport.Frame) {
	p, err := transport.Decode[transport.EndPayload](f.Data)
	if err != nil {
		r.reject(f.Event, err)
		return
	}
	if p.By == r.Self {
		r.ignore(f.Event, "own_echo")
		return
	}
	out, err := r.Engine.ApplyEnd(p)
	if err != nil {
		r.reject(f.Event, err, zap.Int64("channel_id", int64(p.ChannelID)))
		return
	}
	if out == gameengine.Duplicate {
		return
	}
	diag.Applied(string(f.Event))
	if r.Countdown != nil {
		r.Countdown.Clear(p.ChannelID)
	}
	r.publish(Change{Kind: ChangeChess, Event: f.Event, Channel: p.ChannelID, From: p.By})
}

func (r *Reconciler) onRewind(_ context.Context, f transport.Frame) {
	p, err := transport.Decode[transport.RewindPayload](f.Data)
	if err != nil {
		r.reject(f.Event, err)
		return
	}
	if p.By == r.Self {
		r.ignore(f.Event, "own_echo")
		return
	}
	switch f.Event {
	case transport.EventRequestRewind:
		err = r.Engine.RequestRewind(p)
	case transport.EventAcceptRewind:
		_, err = r.Engine.AcceptRewind(p)
	case transport.EventDeclineRewind:
		err = r.Engine.DeclineRewind(p)
	case transport.EventCancelRewind:
		err = r.Engine.CancelRewind(p)
	}
	if err != nil {
		r.reject(f.Event, err, zap.Int64("channel_id", int64(p.ChannelID)), zap.String("request_id", p.RequestID.String()))
		return
	}
	diag.Applied(string(f.Event))
	r.publish(Change{Kind: ChangeChess, Event: f.Event, Channel: p.ChannelID, MessageID: p.RequestID, From: p.By})
}

func (r *Reconciler) onViewed(_ context.Context, f transport.Frame) {
	p, err := transport.Decode[transport.ViewPayload](f.Data)
	if err != nil {
		r.reject(f.Event, err)
		return
	}
	if !r.Engine.Reveal(p.ChannelID, p.Viewer, p.At) {
		r.ignore(f.Event, "noop")
		return
	}
	diag.Applied(string(f.Event))
	r.publish(Change{Kind: ChangeChess, Event: f.Event, Channel: p.ChannelID, From: p.Viewer})
}

func (r *Reconciler) onResultSeen(_ context.Context, f transport.Frame) {
	p, err := transport.Decode[transport.RoomPayload](f.Data)
	if err != nil {
		r.reject(f.Event, err)
		return
	}
	closed, err := r.Engine.Acknowledge(p.ChannelID, p.UserID)
	if err != nil {
		r.reject(f.Event, err, zap.Int64("channel_id", int64(p.ChannelID)))
		return
	}
	diag.Applied(string(f.Event))
	if closed && r.Rooms != nil {
		r.Rooms.MarkChessGame(p.ChannelID, false)
	}
	r.publish(Change{Kind: ChangeChess, Event: f.Event, Channel: p.ChannelID, From: p.UserID})
}

// ---- countdown ----

func (r *Reconciler) onCountdown(_ context.Context, f transport.Frame) {
	p, err := transport.Decode[transport.TimerPayload](f.Data)
	if err != nil {
		r.reject(f.Event, err)
		return
	}
	if r.Countdown == nil {
		return
	}
	r.Countdown.OnNumber(p.ChannelID, p.Number)
	r.publish(Change{Kind: ChangeCountdown, Event: f.Event, Channel: p.ChannelID})
}

func (r *Reconciler) onTimerCleared(_ context.Context, f transport.Frame) {
	p, err := transport.Decode[transport.TimerPayload](f.Data)
	if err != nil {
		r.reject(f.Event, err)
		return
	}
	if r.Countdown == nil || !r.Countdown.Clear(p.ChannelID) {
		r.ignore(f.Event, "no_timer")
		return
	}
	r.publish(Change{Kind: ChangeCountdown, Event: f.Event, Channel: p.ChannelID})
}

// ---- reactions ----

func (r *Reconciler) onReaction(_ context.Context, f transport.Frame) {
	p, err := transport.Decode[transport.ReactionPayload](f.Data)
	if err != nil {
		r.reject(f.Event, err)
		return
	}
	if r.Reactions == nil {
		return
	}
	add := f.Event == transport.EventNewReaction
	if !r.Reactions.ApplyRemote(p.Reaction, add) {
		r.ignore(f.Event, "duplicate", zap.String("message_id", p.MessageID.String()))
		return
	}
	diag.Applied(string(f.Event))
	r.publish(Change{Kind: ChangeReaction, Event: f.Event, Channel: p.ChannelID, MessageID: p.MessageID, From: p.UserID})
}
