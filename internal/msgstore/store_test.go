package msgstore

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/park285/cheese-chat/internal/chat"
	"github.com/stretchr/testify/require"
)

var (
	scope = chat.Scope{Channel: 10}
	base  = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func textMsg(id chat.MessageID, sec int) *chat.Message {
	return &chat.Message{
		ID:        id,
		ChannelID: scope.Channel,
		UserID:    1,
		Content:   "hi",
		Timestamp: base.Add(time.Duration(sec) * time.Second),
		Kind:      chat.KindText,
	}
}

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[int64]chat.Page
	calls []int64
	err   error
}

func (f *fakeFetcher) LoadMoreMessages(_ context.Context, _ chat.Scope, before int64, _ int) (chat.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, before)
	if f.err != nil {
		return chat.Page{}, f.err
	}
	return f.pages[before], nil
}

func storage(s *Store, sc chat.Scope) []*chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*chat.Message(nil), s.seqs[sc].items...)
}

func TestOptimisticThenReconcile(t *testing.T) {
	s := NewStore(nil, 0, nil)
	_, err := s.Insert(scope, textMsg(chat.Persisted(5), 0))
	require.NoError(t, err)

	m := textMsg(chat.Temp("t1"), 10)
	require.NoError(t, s.AppendOptimistic(scope, m))
	got, ok := s.Get(scope, chat.Temp("t1"))
	require.True(t, ok)
	require.Equal(t, chat.StatusPending, got.Status)
	require.Equal(t, 0, s.IndexOf(scope, chat.Temp("t1")))

	out, err := s.Reconcile(scope, "t1", 42, 0)
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, out)
	require.Equal(t, 0, s.IndexOf(scope, chat.Persisted(42)), "reconcile must not move the entry")

	out, err = s.Reconcile(scope, "t1", 42, 0)
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyConfirmed, out)

	_, err = s.Reconcile(scope, "t1", 43, 0)
	require.ErrorIs(t, err, chat.ErrAlreadyPersisted)
}

func TestAppendOptimisticRejects(t *testing.T) {
	s := NewStore(nil, 0, nil)
	require.ErrorIs(t, s.AppendOptimistic(scope, textMsg(chat.Persisted(1), 0)), ErrNotTemp)
	require.NoError(t, s.AppendOptimistic(scope, textMsg(chat.Temp("a"), 0)))
	require.ErrorIs(t, s.AppendOptimistic(scope, textMsg(chat.Temp("a"), 1)), ErrDuplicateTemp)

	bad := textMsg(chat.Temp("b"), 2)
	bad.Chess = &chat.ChessState{}
	require.ErrorIs(t, s.AppendOptimistic(scope, bad), chat.ErrPayloadMismatch)
}

func TestReconcileSupersededByTransportCopy(t *testing.T) {
	s := NewStore(nil, 0, nil)
	require.NoError(t, s.AppendOptimistic(scope, textMsg(chat.Temp("t1"), 10)))

	// broadcast without our token lands before the saveMessage response
	res, err := s.Insert(scope, textMsg(chat.Persisted(42), 10))
	require.NoError(t, err)
	require.Equal(t, Inserted, res)

	out, err := s.Reconcile(scope, "t1", 42, 0)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuperseded, out)
	require.Len(t, s.Messages(scope), 1)

	got, ok := s.Get(scope, chat.Temp("t1"))
	require.True(t, ok, "token lookup must resolve to the surviving copy")
	require.Equal(t, "42", got.ID.String())

	out, err = s.Reconcile(scope, "t1", 42, -1)
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyConfirmed, out)
}

func TestInsertEchoPromotesLocalEntry(t *testing.T) {
	s := NewStore(nil, 0, nil)
	require.NoError(t, s.AppendOptimistic(scope, textMsg(chat.Temp("t1"), 10)))

	echoID, err := chat.Temp("t1").Promote(77)
	require.NoError(t, err)
	res, err := s.Insert(scope, textMsg(echoID, 11))
	require.NoError(t, err)
	require.Equal(t, Promoted, res)
	require.Len(t, s.Messages(scope), 1)

	out, err := s.Reconcile(scope, "t1", 77, 0)
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyConfirmed, out)
}

func TestInsertIdempotent(t *testing.T) {
	s := NewStore(nil, 0, nil)
	for i := 0; i < 5; i++ {
		res, err := s.Insert(scope, textMsg(chat.Persisted(9), 3))
		require.NoError(t, err)
		if i == 0 {
			require.Equal(t, Inserted, res)
		} else {
			require.Equal(t, Duplicate, res)
		}
	}
	require.Len(t, s.Messages(scope), 1)
}

func TestMarkFailedKeepsEntry(t *testing.T) {
	s := NewStore(nil, 0, nil)
	require.NoError(t, s.AppendOptimistic(scope, textMsg(chat.Temp("t1"), 0)))
	require.True(t, s.MarkFailed(scope, "t1", "timeout"))
	require.False(t, s.MarkFailed(scope, "t1", "timeout"))

	got, ok := s.Get(scope, chat.Temp("t1"))
	require.True(t, ok)
	require.Equal(t, chat.StatusFailed, got.Status)
	require.Equal(t, "timeout", got.FailureReason)

	require.True(t, s.MarkPending(scope, "t1"))
	got, _ = s.Get(scope, chat.Temp("t1"))
	require.Equal(t, chat.StatusPending, got.Status)
	require.Empty(t, got.FailureReason)
}

func TestDeleteEditIdempotent(t *testing.T) {
	s := NewStore(nil, 0, nil)
	_, _ = s.Insert(scope, textMsg(chat.Persisted(1), 0))
	m := textMsg(chat.Persisted(2), 1)
	m.Kind = chat.KindAttachment
	m.Attachment = &chat.Attachment{FileName: "a.png", FilePath: "p/a"}
	_, _ = s.Insert(scope, m)

	require.True(t, s.Edit(scope, chat.Persisted(1), "changed"))
	require.False(t, s.Edit(scope, chat.Persisted(1), "changed"))
	got, _ := s.Get(scope, chat.Persisted(1))
	require.True(t, got.Edited)

	require.True(t, s.HideAttachment(scope, chat.Persisted(2)))
	require.False(t, s.HideAttachment(scope, chat.Persisted(2)))
	require.False(t, s.HideAttachment(scope, chat.Persisted(1)))

	require.True(t, s.Delete(scope, chat.Persisted(1)))
	require.False(t, s.Delete(scope, chat.Persisted(1)))
	require.False(t, s.Edit(scope, chat.Persisted(1), "late"))

	// replayed create after delete stays deleted
	res, err := s.Insert(scope, textMsg(chat.Persisted(1), 0))
	require.NoError(t, err)
	require.Equal(t, Tombstoned, res)
	kept := s.MergePage(scope, chat.Page{Messages: []*chat.Message{textMsg(chat.Persisted(1), 0)}})
	require.Empty(t, kept)
	require.False(t, s.Has(scope, chat.Persisted(1)))
}

func TestLoadOlderMergesWithoutDuplicates(t *testing.T) {
	f := &fakeFetcher{pages: map[int64]chat.Page{
		10: {Messages: []*chat.Message{
			textMsg(chat.Persisted(10), 10), // already present
			textMsg(chat.Persisted(8), 8),
			textMsg(chat.Persisted(7), 7),
		}, HasMore: false},
	}}
	s := NewStore(f, 20, nil)
	_, _ = s.Insert(scope, textMsg(chat.Persisted(10), 10))
	_, _ = s.Insert(scope, textMsg(chat.Persisted(12), 12))

	page, err := s.LoadOlder(context.Background(), scope, chat.MessageID{})
	require.NoError(t, err)
	require.Equal(t, []int64{10}, f.calls, "zero cursor pages from the oldest id")
	require.Len(t, page.Messages, 2)
	require.False(t, s.HasMore(scope))

	msgs := s.Messages(scope)
	require.Len(t, msgs, 4)
	require.Equal(t, "7", msgs[0].ID.String())
	require.Equal(t, "12", msgs[3].ID.String())
	require.True(t, Sorted(storage(s, scope)))
}

func TestLoadOlderErrors(t *testing.T) {
	s := NewStore(&fakeFetcher{err: errors.New("boom")}, 0, nil)
	_, err := s.LoadOlder(context.Background(), scope, chat.MessageID{})
	require.ErrorIs(t, err, ErrNoCursor)

	_, _ = s.Insert(scope, textMsg(chat.Persisted(3), 3))
	_, err = s.LoadOlder(context.Background(), scope, chat.Persisted(3))
	require.Error(t, err)
	require.Len(t, s.Messages(scope), 1)
}

func TestSameTimestampOrdersByID(t *testing.T) {
	s := NewStore(nil, 0, nil)
	_, _ = s.Insert(scope, textMsg(chat.Persisted(3), 5))
	_, _ = s.Insert(scope, textMsg(chat.Persisted(1), 5))
	_, _ = s.Insert(scope, textMsg(chat.Persisted(2), 5))
	msgs := s.Messages(scope)
	require.Equal(t, "1", msgs[0].ID.String())
	require.Equal(t, "3", msgs[2].ID.String())
}

func TestPromotionKeepsTieOrder(t *testing.T) {
	s := NewStore(nil, 0, nil)
	require.NoError(t, s.AppendOptimistic(scope, textMsg(chat.Temp("t1"), 5)))
	_, err := s.Insert(scope, textMsg(chat.Persisted(7), 5))
	require.NoError(t, err)
	require.True(t, Sorted(storage(s, scope)))

	out, err := s.Reconcile(scope, "t1", 5, 0)
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, out)
	require.True(t, Sorted(storage(s, scope)), "promoted entry must drop below the higher id")
	require.Equal(t, 1, s.IndexOf(scope, chat.Persisted(5)))

	// same through the transport echo
	require.NoError(t, s.AppendOptimistic(scope, textMsg(chat.Temp("t2"), 9)))
	_, err = s.Insert(scope, textMsg(chat.Persisted(12), 9))
	require.NoError(t, err)
	echo, err := chat.Temp("t2").Promote(10)
	require.NoError(t, err)
	res, err := s.Insert(scope, textMsg(echo, 9))
	require.NoError(t, err)
	require.Equal(t, Promoted, res)
	require.True(t, Sorted(storage(s, scope)))
}

// live inserts and history pages interleaved in random order always end up
// strictly ordered with no duplicates
func TestOrderUnderRandomInterleaving(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		s := NewStore(nil, 0, nil)
		all := make([]*chat.Message, 0, 60)
		for i := 1; i <= 60; i++ {
			// coarse timestamps force id tie-breaks
			all = append(all, textMsg(chat.Persisted(int64(i)), i/3))
		}
		rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
		for i := 0; i < len(all); {
			if rng.Intn(2) == 0 {
				_, err := s.Insert(scope, all[i])
				require.NoError(t, err)
				i++
				continue
			}
			n := 1 + rng.Intn(8)
			end := i + n
			if end > len(all) {
				end = len(all)
			}
			// pages overlap what is already stored
			from := i - rng.Intn(3)
			if from < 0 {
				from = 0
			}
			s.MergePage(scope, chat.Page{Messages: all[from:end]})
			i = end
		}
		got := storage(s, scope)
		require.Len(t, got, 60)
		require.True(t, Sorted(got), "round %d not sorted", round)
	}
}

func TestScopesAndLocate(t *testing.T) {
	s := NewStore(nil, 0, nil)
	topic := chat.Scope{Channel: 10, Topic: 4}
	_, _ = s.Insert(scope, textMsg(chat.Persisted(1), 0))
	m := textMsg(chat.Persisted(2), 1)
	m.TopicID = 4
	_, _ = s.Insert(topic, m)

	require.Len(t, s.Scopes(), 2)
	sc, ok := s.Locate(10, chat.Persisted(2))
	require.True(t, ok)
	require.Equal(t, topic, sc)

	last, ok := s.LastKnownServerID(scope)
	require.True(t, ok)
	require.EqualValues(t, 1, last)
}
