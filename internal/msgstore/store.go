// Package msgstore keeps the per-scope ordered message history: optimistic
// entries, transport inserts and merged history pages.
package msgstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/park285/cheese-chat/internal/chat"
	"github.com/park285/cheese-chat/internal/obslog"
	"go.uber.org/zap"
)

var (
	ErrNotTemp       = errors.New("optimistic entry must carry a temp id")
	ErrDuplicateTemp = errors.New("temp token already present")
	ErrNoCursor      = errors.New("no server id to page from")
)

// PageFetcher loads history older than the given server id (0 = newest).
type PageFetcher interface {
	LoadMoreMessages(ctx context.Context, scope chat.Scope, before int64, limit int) (chat.Page, error)
}

// Outcome is the result of reconciling an optimistic entry.
type Outcome int

const (
	OutcomeMissing Outcome = iota
	OutcomeConfirmed
	OutcomeAlreadyConfirmed
	OutcomeSuperseded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeAlreadyConfirmed:
		return "already_confirmed"
	case OutcomeSuperseded:
		return "superseded"
	default:
		return "missing"
	}
}

// InsertResult is the result of a transport insert.
type InsertResult int

const (
	Inserted InsertResult = iota
	Duplicate
	Promoted
	Tombstoned
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Promoted:
		return "promoted"
	case Tombstoned:
		return "tombstoned"
	default:
		return "duplicate"
	}
}

// sequence is one scope's history, most recent first.
type sequence struct {
	items    []*chat.Message
	byServer map[int64]*chat.Message
	byToken  map[string]*chat.Message
	deleted  map[int64]struct{}
	hasMore  bool
}

func newSequence() *sequence {
	return &sequence{
		byServer: make(map[int64]*chat.Message),
		byToken:  make(map[string]*chat.Message),
		deleted:  make(map[int64]struct{}),
		hasMore:  true,
	}
}

type Store struct {
	mu       sync.RWMutex
	seqs     map[chat.Scope]*sequence
	fetcher  PageFetcher
	pageSize int
	logger   *zap.Logger
}

// NewStore builds a store. fetcher may be nil when history paging is not used.
func NewStore(fetcher PageFetcher, pageSize int, logger *zap.Logger) *Store {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Store{
		seqs:     make(map[chat.Scope]*sequence),
		fetcher:  fetcher,
		pageSize: pageSize,
		logger:   obslog.Or(logger, "msgstore"),
	}
}

func (s *Store) seq(scope chat.Scope) *sequence {
	q, ok := s.seqs[scope]
	if !ok {
		q = newSequence()
		s.seqs[scope] = q
	}
	return q
}

// AppendOptimistic inserts a locally created message at the head of its scope.
func (s *Store) AppendOptimistic(scope chat.Scope, msg *chat.Message) error {
	if msg == nil || !msg.ID.IsTemp() {
		return ErrNotTemp
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.seq(scope)
	tok := msg.ID.Token()
	if _, dup := q.byToken[tok]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateTemp, tok)
	}
	m := msg.Clone()
	m.Status = chat.StatusPending
	m.FailureReason = ""
	q.items = append([]*chat.Message{m}, q.items...)
	q.byToken[tok] = m
	s.logger.Debug("optimistic_appended", zap.String("scope", scope.String()), zap.String("token", tok))
	return nil
}

// Reconcile promotes the optimistic entry keyed by token to serverID without
// moving it, except past neighbours sharing its timestamp that now outrank it.
// indexHint is the last known position, or -1.
func (s *Store) Reconcile(scope chat.Scope, token string, serverID int64, indexHint int) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.seqs[scope]
	if !ok {
		return OutcomeMissing, nil
	}
	idx := q.indexOfToken(token, indexHint)
	if idx < 0 {
		return OutcomeMissing, nil
	}
	entry := q.items[idx]
	if entry.ID.IsPersisted() {
		id, err := entry.ID.Promote(serverID)
		if err != nil {
			return OutcomeMissing, err
		}
		entry.ID = id
		return OutcomeAlreadyConfirmed, nil
	}
	promoted, err := entry.ID.Promote(serverID)
	if err != nil {
		return OutcomeMissing, err
	}
	if twin, exists := q.byServer[serverID]; exists && twin != entry {
		// the transport copy arrived first; keep it and drop the optimistic one
		q.removeAt(idx)
		twin.ID = promoted
		twin.Status = chat.StatusConfirmed
		q.byToken[token] = twin
		s.logger.Debug("optimistic_superseded", zap.String("scope", scope.String()), zap.String("token", token), zap.Int64("server_id", serverID))
		return OutcomeSuperseded, nil
	}
	entry.ID = promoted
	entry.Status = chat.StatusConfirmed
	entry.FailureReason = ""
	q.byServer[serverID] = entry
	q.settle(idx)
	return OutcomeConfirmed, nil
}

// MarkFailed keeps the optimistic entry in place and flags it as failed.
func (s *Store) MarkFailed(scope chat.Scope, token, reason string) bool {
	return s.setStatus(scope, token, chat.StatusFailed, reason)
}

// MarkPending flips a failed entry back to pending ahead of a retry.
func (s *Store) MarkPending(scope chat.Scope, token string) bool {
	return s.setStatus(scope, token, chat.StatusPending, "")
}

func (s *Store) setStatus(scope chat.Scope, token string, st chat.SendStatus, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.seqs[scope]
	if !ok {
		return false
	}
	m, ok := q.byToken[token]
	if !ok || m.ID.IsPersisted() {
		return false
	}
	if m.Status == st && m.FailureReason == reason {
		return false
	}
	m.Status = st
	m.FailureReason = reason
	return true
}

// Insert places a transport-delivered message by (timestamp, id).
func (s *Store) Insert(scope chat.Scope, msg *chat.Message) (InsertResult, error) {
	if msg == nil || msg.ID.IsZero() {
		return Duplicate, errors.New("message id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.seq(scope)
	return q.insert(msg.Clone())
}

func (q *sequence) insert(m *chat.Message) (InsertResult, error) {
	sid, persisted := m.ID.Server()
	if persisted {
		if _, gone := q.deleted[sid]; gone {
			return Tombstoned, nil
		}
		if _, dup := q.byServer[sid]; dup {
			return Duplicate, nil
		}
	}
	if tok := m.ID.Token(); tok != "" {
		if local, ok := q.byToken[tok]; ok {
			if !persisted || local.ID.IsPersisted() {
				return Duplicate, nil
			}
			// echo of our own send: promote the local entry in place
			id, err := local.ID.Promote(sid)
			if err != nil {
				return Duplicate, err
			}
			local.ID = id
			local.Status = chat.StatusConfirmed
			local.FailureReason = ""
			q.byServer[sid] = local
			q.settleEntry(local)
			return Promoted, nil
		}
	}
	if persisted {
		m.Status = chat.StatusConfirmed
	}
	pos := len(q.items)
	for i, cur := range q.items {
		if newer(m, cur) {
			pos = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = m
	q.index(m)
	return Inserted, nil
}

func (q *sequence) index(m *chat.Message) {
	if sid, ok := m.ID.Server(); ok {
		q.byServer[sid] = m
	}
	if tok := m.ID.Token(); tok != "" {
		q.byToken[tok] = m
	}
}

// MergePage folds a history page into the scope. Messages already present by
// id are dropped; the merged sequence is re-sorted. It returns the kept ones.
func (s *Store) MergePage(scope chat.Scope, page chat.Page) []*chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.seq(scope)
	kept := q.merge(page.Messages)
	q.hasMore = page.HasMore
	return kept
}

func (q *sequence) merge(in []*chat.Message) []*chat.Message {
	var kept []*chat.Message
	for _, m := range in {
		if m == nil {
			continue
		}
		sid, ok := m.ID.Server()
		if !ok {
			continue
		}
		if _, gone := q.deleted[sid]; gone {
			continue
		}
		if _, dup := q.byServer[sid]; dup {
			continue
		}
		if tok := m.ID.Token(); tok != "" {
			if _, dup := q.byToken[tok]; dup {
				continue
			}
		}
		c := m.Clone()
		c.Status = chat.StatusConfirmed
		q.items = append(q.items, c)
		q.index(c)
		kept = append(kept, c.Clone())
	}
	if len(kept) > 0 {
		sort.SliceStable(q.items, func(i, j int) bool { return newer(q.items[i], q.items[j]) })
	}
	return kept
}

// LoadOlder fetches the page before the given id and merges it. A zero before
// pages from the oldest known server id. The fetch runs without the lock.
func (s *Store) LoadOlder(ctx context.Context, scope chat.Scope, before chat.MessageID) (chat.Page, error) {
	if s.fetcher == nil {
		return chat.Page{}, errors.New("msgstore: no page fetcher configured")
	}
	cursor, ok := before.Server()
	if !ok {
		oldest, found := s.OldestServerID(scope)
		if !found {
			return chat.Page{}, ErrNoCursor
		}
		cursor = oldest
	}
	page, err := s.fetcher.LoadMoreMessages(ctx, scope, cursor, s.pageSize)
	if err != nil {
		s.logger.Warn("load_older_failed", zap.String("scope", scope.String()), zap.Int64("before", cursor), zap.Error(err))
		return chat.Page{}, err
	}
	kept := s.MergePage(scope, page)
	s.logger.Debug("load_older", zap.String("scope", scope.String()), zap.Int64("before", cursor),
		zap.Int("fetched", len(page.Messages)), zap.Int("merged", len(kept)))
	return chat.Page{Messages: kept, HasMore: page.HasMore}, nil
}

// HasMore reports whether the last history page indicated older messages.
func (s *Store) HasMore(scope chat.Scope) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.seqs[scope]
	return !ok || q.hasMore
}

// Delete removes the message and tombstones its server id so replays and
// history pages do not bring it back.
func (s *Store) Delete(scope chat.Scope, id chat.MessageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.seqs[scope]
	if !ok {
		return false
	}
	idx := q.indexOf(id)
	if idx < 0 {
		if sid, ok := id.Server(); ok {
			q.deleted[sid] = struct{}{}
		}
		return false
	}
	m := q.items[idx]
	q.removeAt(idx)
	if sid, ok := m.ID.Server(); ok {
		q.deleted[sid] = struct{}{}
	}
	m.Deleted = true
	return true
}

// Edit replaces the content; repeated delivery of the same edit is a no-op.
func (s *Store) Edit(scope chat.Scope, id chat.MessageID, content string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.find(scope, id)
	if m == nil || m.Content == content {
		return false
	}
	m.Content = content
	m.Edited = true
	return true
}

// HideAttachment marks the attachment hidden.
func (s *Store) HideAttachment(scope chat.Scope, id chat.MessageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.find(scope, id)
	if m == nil || m.Attachment == nil || m.Attachment.Hidden {
		return false
	}
	m.Attachment.Hidden = true
	return true
}

// Update applies fn to the stored message under the lock.
func (s *Store) Update(scope chat.Scope, id chat.MessageID, fn func(*chat.Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.find(scope, id)
	if m == nil {
		return false
	}
	fn(m)
	return true
}

func (s *Store) find(scope chat.Scope, id chat.MessageID) *chat.Message {
	q, ok := s.seqs[scope]
	if !ok {
		return nil
	}
	return q.lookup(id)
}

func (q *sequence) lookup(id chat.MessageID) *chat.Message {
	if sid, ok := id.Server(); ok {
		if m, ok := q.byServer[sid]; ok {
			return m
		}
	}
	if tok := id.Token(); tok != "" {
		if m, ok := q.byToken[tok]; ok {
			return m
		}
	}
	return nil
}

func (q *sequence) indexOf(id chat.MessageID) int {
	target := q.lookup(id)
	if target == nil {
		return -1
	}
	for i, m := range q.items {
		if m == target {
			return i
		}
	}
	return -1
}

func (q *sequence) indexOfToken(token string, hint int) int {
	if hint >= 0 && hint < len(q.items) && q.items[hint].ID.Token() == token {
		return hint
	}
	return q.indexOf(chat.Temp(token))
}

// settle restores tie order around items[i] after its id changed. A temp id
// ranks above every server id, so a promoted entry can trail a same-second
// neighbour with a higher server id. Only same-timestamp neighbours are passed.
func (q *sequence) settle(i int) {
	for i > 0 && sameInstant(q.items[i-1], q.items[i]) && newer(q.items[i], q.items[i-1]) {
		q.items[i-1], q.items[i] = q.items[i], q.items[i-1]
		i--
	}
	for i < len(q.items)-1 && sameInstant(q.items[i], q.items[i+1]) && newer(q.items[i+1], q.items[i]) {
		q.items[i], q.items[i+1] = q.items[i+1], q.items[i]
		i++
	}
}

func (q *sequence) settleEntry(m *chat.Message) {
	for i, cur := range q.items {
		if cur == m {
			q.settle(i)
			return
		}
	}
}

func sameInstant(a, b *chat.Message) bool { return a.Timestamp.Equal(b.Timestamp) }

func (q *sequence) removeAt(i int) {
	m := q.items[i]
	q.items = append(q.items[:i], q.items[i+1:]...)
	if sid, ok := m.ID.Server(); ok && q.byServer[sid] == m {
		delete(q.byServer, sid)
	}
	if tok := m.ID.Token(); tok != "" && q.byToken[tok] == m {
		delete(q.byToken, tok)
	}
}

// Messages returns the scope in display order (oldest first).
func (s *Store) Messages(scope chat.Scope) []*chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.seqs[scope]
	if !ok {
		return nil
	}
	out := make([]*chat.Message, 0, len(q.items))
	for i := len(q.items) - 1; i >= 0; i-- {
		out = append(out, q.items[i].Clone())
	}
	return out
}

func (s *Store) Get(scope chat.Scope, id chat.MessageID) (*chat.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.find(scope, id)
	if m == nil {
		return nil, false
	}
	return m.Clone(), true
}

func (s *Store) Has(scope chat.Scope, id chat.MessageID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.find(scope, id) != nil
}

// IndexOf returns the storage position (0 = newest) or -1.
func (s *Store) IndexOf(scope chat.Scope, id chat.MessageID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.seqs[scope]
	if !ok {
		return -1
	}
	return q.indexOf(id)
}

// LastKnownServerID returns the newest persisted id of the scope.
func (s *Store) LastKnownServerID(scope chat.Scope) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.seqs[scope]
	if !ok {
		return 0, false
	}
	var best int64
	for _, m := range q.items {
		if sid, ok := m.ID.Server(); ok && sid > best {
			best = sid
		}
	}
	return best, best > 0
}

// OldestServerID returns the smallest persisted id of the scope.
func (s *Store) OldestServerID(scope chat.Scope) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.seqs[scope]
	if !ok {
		return 0, false
	}
	var best int64
	for _, m := range q.items {
		if sid, ok := m.ID.Server(); ok && (best == 0 || sid < best) {
			best = sid
		}
	}
	return best, best > 0
}

// Scopes lists every scope holding at least one message.
func (s *Store) Scopes() []chat.Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chat.Scope, 0, len(s.seqs))
	for sc, q := range s.seqs {
		if len(q.items) > 0 {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Locate finds the scope holding id when the event does not carry one.
func (s *Store) Locate(channel chat.ChannelID, id chat.MessageID) (chat.Scope, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sc, q := range s.seqs {
		if sc.Channel == channel && q.lookup(id) != nil {
			return sc, true
		}
	}
	return chat.Scope{}, false
}
