package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/park285/cheese-chat/internal/chat"
	"github.com/park285/cheese-chat/internal/transport"
	"go.uber.org/zap"
)

func (r *Reconciler) onState(s transport.State) {
	r.mu.Lock()
	switch s {
	case transport.StateConnected:
		again := r.dropped && !r.resyncing
		r.connected = true
		r.dropped = false
		ctx := r.base
		if again {
			// closed before the callback returns so no send slips out ahead of the rejoin
			r.resyncing = true
			r.gate.close()
		}
		r.mu.Unlock()
		if again {
			go func() {
				if err := r.resync(ctx); err != nil {
					r.logger.Warn("resync_failed", zap.Error(err))
				}
			}()
		}
		return
	case transport.StateReconnecting, transport.StateDisconnected, transport.StateFailed:
		if r.connected {
			r.dropped = true
		}
		r.connected = false
	}
	r.mu.Unlock()
}

// Resync closes the send gate, re-joins every room, fills the history gap
// of every known scope and refreshes chess state, then reopens the gate.
// Concurrent calls collapse into the running one.
func (r *Reconciler) Resync(ctx context.Context) error {
	r.mu.Lock()
	if r.resyncing {
		r.mu.Unlock()
		return nil
	}
	r.resyncing = true
	r.gate.close()
	r.mu.Unlock()
	return r.resync(ctx)
}

// resync runs with resyncing set and the gate closed by the caller.
func (r *Reconciler) resync(ctx context.Context) error {
	defer func() {
		r.mu.Lock()
		r.resyncing = false
		r.mu.Unlock()
	}()
	defer r.gate.release()
	r.logger.Info("resync_started")

	var errs []error
	if r.Rooms != nil {
		if err := r.Rooms.Rejoin(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	filled := 0
	for _, scope := range r.scopes() {
		n, err := r.fillGap(ctx, scope)
		if err != nil {
			errs = append(errs, fmt.Errorf("gap fill %s: %w", scope, err))
			continue
		}
		filled += n
	}
	if err := r.refreshChess(ctx); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	r.logger.Info("resync_finished", zap.Int("merged", filled), zap.Bool("ok", err == nil))
	r.publish(Change{Kind: ChangeResync})
	return err
}

// scopes merges the scopes the store holds with the joined rooms' scopes.
func (r *Reconciler) scopes() []chat.Scope {
	seen := make(map[chat.Scope]bool)
	var out []chat.Scope
	add := func(s chat.Scope) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range r.Store.Scopes() {
		add(s)
	}
	if r.Rooms != nil {
		for _, id := range r.Rooms.Rooms() {
			add(chat.Scope{Channel: id})
		}
	}
	return out
}

// fillGap pages newest-first until it reaches the last known server id.
func (r *Reconciler) fillGap(ctx context.Context, scope chat.Scope) (int, error) {
	if r.History == nil {
		return 0, nil
	}
	last, known := r.Store.LastKnownServerID(scope)
	var before int64
	merged := 0
	for page := 0; page < r.opts.MaxGapPages; page++ {
		p, err := r.History.LoadMoreMessages(ctx, scope, before, r.opts.PageSize)
		if err != nil {
			return merged, err
		}
		if !known {
			// nothing local yet: one page of recent history is enough
			merged += len(r.Store.MergePage(scope, p))
			return merged, nil
		}
		reached := false
		oldest := int64(0)
		for _, m := range p.Messages {
			sid, ok := m.ID.Server()
			if !ok {
				continue
			}
			if sid <= last {
				reached = true
			}
			if oldest == 0 || sid < oldest {
				oldest = sid
			}
		}
		kept := r.Store.MergePage(scope, chat.Page{Messages: p.Messages, HasMore: r.Store.HasMore(scope)})
		merged += len(kept)
		for _, m := range kept {
			r.replayParked(m.ID)
			if r.Reactions != nil {
				r.Reactions.Seed(m)
			}
		}
		if reached || !p.HasMore || oldest == 0 {
			return merged, nil
		}
		before = oldest
	}
	r.logger.Warn("gap_fill_truncated", zap.String("scope", scope.String()), zap.Int("pages", r.opts.MaxGapPages))
	return merged, nil
}

// refreshChess loads the stored game of every two-person room and restores
// it when it is ahead of the local engine.
func (r *Reconciler) refreshChess(ctx context.Context) error {
	if r.Chess == nil || r.Rooms == nil || r.Engine == nil {
		return nil
	}
	var errs []error
	for _, id := range r.Rooms.Rooms() {
		if !r.Rooms.IsTwoPeople(id) {
			continue
		}
		st, err := r.Chess.FetchCurrentChessState(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("chess state %d: %w", id, err))
			continue
		}
		if st == nil {
			continue
		}
		if cur, ok := r.Engine.Snapshot(id); ok && cur.Move.Number >= st.Move.Number && cur.Terminal() == st.Terminal() {
			continue
		}
		if err := r.Engine.Restore(id, st); err != nil {
			errs = append(errs, fmt.Errorf("restore chess %d: %w", id, err))
			continue
		}
		r.Rooms.MarkChessGame(id, true)
		r.publish(Change{Kind: ChangeChess, Channel: id})
	}
	return errors.Join(errs...)
}
