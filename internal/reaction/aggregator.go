// Package reaction keeps per-message reaction sets and their display summary.
package reaction

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/park285/cheese-chat/internal/chat"
	"github.com/park285/cheese-chat/internal/obslog"
	"github.com/park285/cheese-chat/internal/transport"
	"go.uber.org/zap"
)

var ErrInvalidReaction = errors.New("reaction needs a persisted message, a user and a type")

// eagerNames is how many reactor names a summary resolves up front.
const eagerNames = 2

// Persister is the backend side of a reaction toggle.
type Persister interface {
	PostReaction(ctx context.Context, msg chat.MessageID, typ string) error
	RemoveReaction(ctx context.Context, msg chat.MessageID, typ string) error
}

// Emitter mirrors a toggle to the other members.
type Emitter interface {
	Emit(ctx context.Context, event transport.Event, payload any) error
}

// NameResolver looks usernames up; it may be slow and is never called while
// the aggregator holds its lock.
type NameResolver interface {
	ResolveNames(ctx context.Context, ids []chat.UserID) (map[chat.UserID]string, error)
}

// Group is one reaction type of a message, as displayed.
type Group struct {
	Type  string
	Count int
	// Names holds up to two resolved usernames, cached ones only.
	Names []string
	// Users is every reactor, in the order they reacted.
	Users []chat.UserID
}

type Aggregator struct {
	mu    sync.Mutex
	byMsg map[int64]map[string][]chat.UserID

	namesMu sync.RWMutex
	names   map[chat.UserID]string

	persist  Persister
	emit     Emitter
	resolver NameResolver
	logger   *zap.Logger
}

func NewAggregator(p Persister, e Emitter, r NameResolver, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		byMsg:    make(map[int64]map[string][]chat.UserID),
		names:    make(map[chat.UserID]string),
		persist:  p,
		emit:     e,
		resolver: r,
		logger:   obslog.Or(logger, "reaction"),
	}
}

func validate(r chat.Reaction) (int64, error) {
	sid, ok := r.MessageID.Server()
	if !ok || r.UserID == 0 || strings.TrimSpace(r.Type) == "" {
		return 0, ErrInvalidReaction
	}
	return sid, nil
}

// Seed loads the reactions a message arrived with.
func (a *Aggregator) Seed(m *chat.Message) {
	sid, ok := m.ID.Server()
	if !ok {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range m.Reactions {
		a.applyLocked(sid, r.UserID, r.Type, true)
	}
}

// applyLocked returns whether the set changed.
func (a *Aggregator) applyLocked(sid int64, user chat.UserID, typ string, add bool) bool {
	types := a.byMsg[sid]
	users := types[typ]
	idx := -1
	for i, u := range users {
		if u == user {
			idx = i
			break
		}
	}
	if add {
		if idx >= 0 {
			return false
		}
		if types == nil {
			types = make(map[string][]chat.UserID)
			a.byMsg[sid] = types
		}
		types[typ] = append(users, user)
		return true
	}
	if idx < 0 {
		return false
	}
	users = append(users[:idx:idx], users[idx+1:]...)
	if len(users) == 0 {
		delete(types, typ)
		if len(types) == 0 {
			delete(a.byMsg, sid)
		}
	} else {
		types[typ] = users
	}
	return true
}

// Add records a reaction locally, persists it and mirrors it to peers.
// A duplicate add is a no-op. The local change is rolled back only when the
// backend confirms the failure.
func (a *Aggregator) Add(ctx context.Context, channel chat.ChannelID, r chat.Reaction) (bool, error) {
	return a.toggle(ctx, channel, r, true)
}

// Remove is the mirror of Add; removing an absent reaction is a no-op.
func (a *Aggregator) Remove(ctx context.Context, channel chat.ChannelID, r chat.Reaction) (bool, error) {
	return a.toggle(ctx, channel, r, false)
}

func (a *Aggregator) toggle(ctx context.Context, channel chat.ChannelID, r chat.Reaction, add bool) (bool, error) {
	sid, err := validate(r)
	if err != nil {
		return false, err
	}
	a.mu.Lock()
	changed := a.applyLocked(sid, r.UserID, r.Type, add)
	a.mu.Unlock()
	if !changed {
		return false, nil
	}

	if a.persist != nil {
		var perr error
		if add {
			perr = a.persist.PostReaction(ctx, r.MessageID, r.Type)
		} else {
			perr = a.persist.RemoveReaction(ctx, r.MessageID, r.Type)
		}
		if perr != nil {
			if chat.IsConfirmedFailure(perr) {
				a.mu.Lock()
				a.applyLocked(sid, r.UserID, r.Type, !add)
				a.mu.Unlock()
				a.logger.Warn("reaction_rolled_back", zap.Int64("message_id", sid), zap.String("type", r.Type), zap.Bool("add", add), zap.Error(perr))
				return false, perr
			}
			// slow or dropped: keep the local state, the user sees their toggle
			a.logger.Warn("reaction_persist_transient", zap.Int64("message_id", sid), zap.String("type", r.Type), zap.Error(perr))
		}
	}

	if a.emit != nil {
		ev := transport.EventNewReaction
		if !add {
			ev = transport.EventRemovedReaction
		}
		if err := a.emit.Emit(ctx, ev, transport.ReactionPayload{ChannelID: channel, Reaction: r}); err != nil {
			a.logger.Warn("reaction_emit_failed", zap.Int64("message_id", sid), zap.Error(err))
		}
	}
	return true, nil
}

// ApplyRemote applies a peer's toggle without persisting or emitting.
func (a *Aggregator) ApplyRemote(r chat.Reaction, add bool) bool {
	sid, err := validate(r)
	if err != nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applyLocked(sid, r.UserID, r.Type, add)
}

// Has reports whether the exact triple is present.
func (a *Aggregator) Has(r chat.Reaction) bool {
	sid, err := validate(r)
	if err != nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, u := range a.byMsg[sid][r.Type] {
		if u == r.UserID {
			return true
		}
	}
	return false
}

// Summary groups a message's reactions by type. It only reads the name
// cache and never waits on the resolver.
func (a *Aggregator) Summary(msg chat.MessageID) []Group {
	sid, ok := msg.Server()
	if !ok {
		return nil
	}
	a.mu.Lock()
	groups := make([]Group, 0, len(a.byMsg[sid]))
	for typ, users := range a.byMsg[sid] {
		groups = append(groups, Group{Type: typ, Count: len(users), Users: append([]chat.UserID(nil), users...)})
	}
	a.mu.Unlock()

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].Type < groups[j].Type
	})
	a.namesMu.RLock()
	for i := range groups {
		for _, u := range groups[i].Users {
			if len(groups[i].Names) == eagerNames {
				break
			}
			if n, ok := a.names[u]; ok {
				groups[i].Names = append(groups[i].Names, n)
			}
		}
	}
	a.namesMu.RUnlock()
	return groups
}

// Prefetch resolves the first reactors of every group that are not cached yet.
func (a *Aggregator) Prefetch(ctx context.Context, msgs ...chat.MessageID) error {
	var want []chat.UserID
	for _, id := range msgs {
		for _, g := range a.Summary(id) {
			n := len(g.Users)
			if n > eagerNames {
				n = eagerNames
			}
			want = append(want, g.Users[:n]...)
		}
	}
	_, err := a.resolve(ctx, want)
	return err
}

// Reactors resolves every user behind one reaction type on demand.
func (a *Aggregator) Reactors(ctx context.Context, msg chat.MessageID, typ string) ([]chat.UserRef, error) {
	var users []chat.UserID
	for _, g := range a.Summary(msg) {
		if g.Type == typ {
			users = g.Users
			break
		}
	}
	if len(users) == 0 {
		return nil, nil
	}
	names, err := a.resolve(ctx, users)
	if err != nil {
		return nil, err
	}
	out := make([]chat.UserRef, 0, len(users))
	for _, u := range users {
		out = append(out, chat.UserRef{ID: u, Username: names[u]})
	}
	return out, nil
}

// resolve fills the cache for ids and returns the names it knows afterwards.
func (a *Aggregator) resolve(ctx context.Context, ids []chat.UserID) (map[chat.UserID]string, error) {
	known := make(map[chat.UserID]string, len(ids))
	var missing []chat.UserID
	a.namesMu.RLock()
	for _, u := range ids {
		if n, ok := a.names[u]; ok {
			known[u] = n
		} else {
			missing = append(missing, u)
		}
	}
	a.namesMu.RUnlock()
	if len(missing) == 0 || a.resolver == nil {
		return known, nil
	}
	got, err := a.resolver.ResolveNames(ctx, dedupe(missing))
	if err != nil {
		a.logger.Debug("reactor_resolve_failed", zap.Int("count", len(missing)), zap.Error(err))
		return known, err
	}
	a.namesMu.Lock()
	for u, n := range got {
		a.names[u] = n
		known[u] = n
	}
	a.namesMu.Unlock()
	return known, nil
}

// RememberName seeds the cache, e.g. from channel members.
func (a *Aggregator) RememberName(u chat.UserRef) {
	if u.ID == 0 || u.Username == "" {
		return
	}
	a.namesMu.Lock()
	a.names[u.ID] = u.Username
	a.namesMu.Unlock()
}

func dedupe(ids []chat.UserID) []chat.UserID {
	seen := make(map[chat.UserID]struct{}, len(ids))
	out := ids[:0:0]
	for _, u := range ids {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
