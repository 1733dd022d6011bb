package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/park285/cheese-chat/internal/chat"
	"github.com/park285/cheese-chat/internal/transport"
)

type fakeFetcher struct {
	channels map[chat.ChannelID]chat.Channel
	calls    int
}

func (f *fakeFetcher) FetchChannel(_ context.Context, id chat.ChannelID) (chat.Channel, error) {
	f.calls++
	c, ok := f.channels[id]
	if !ok {
		return chat.Channel{}, errors.New("missing")
	}
	return c, nil
}

type recEmitter struct {
	events []transport.Event
	rooms  []chat.ChannelID
}

func (r *recEmitter) Emit(_ context.Context, ev transport.Event, p any) error {
	r.events = append(r.events, ev)
	r.rooms = append(r.rooms, p.(transport.RoomPayload).ChannelID)
	return nil
}

func pair(id chat.ChannelID) chat.Channel {
	return chat.Channel{ID: id, IsTwoPeople: true, Members: []chat.UserRef{{ID: 1, Username: "a"}, {ID: 2, Username: "b"}},
		Topics: []chat.Topic{{ID: 5, Content: "오늘의 주제", UploaderID: 2}}}
}

func TestJoinFetchesAndAnnounces(t *testing.T) {
	f := &fakeFetcher{channels: map[chat.ChannelID]chat.Channel{10: pair(10)}}
	em := &recEmitter{}
	r := NewRegistry(1, f, em, nil)

	c, err := r.Join(context.Background(), 10)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !c.IsTwoPeople || !r.IsTwoPeople(10) {
		t.Fatalf("expected two-person channel")
	}
	if _, err := r.Join(context.Background(), 10); err != nil {
		t.Fatalf("second Join: %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("known channel refetched: %d", f.calls)
	}
	if len(em.events) != 2 || em.events[0] != transport.EventJoinChannel {
		t.Fatalf("unexpected announcements: %v", em.events)
	}
	if got := r.Scopes(10); len(got) != 2 || got[1].Topic != 5 {
		t.Fatalf("unexpected scopes: %+v", got)
	}
}

func TestJoinRejectsNonMember(t *testing.T) {
	f := &fakeFetcher{channels: map[chat.ChannelID]chat.Channel{10: pair(10)}}
	r := NewRegistry(9, f, nil, nil)
	if _, err := r.Join(context.Background(), 10); !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
	if _, ok := r.Lookup(10); ok {
		t.Fatalf("non-member must not be stored")
	}
}

func TestPutNormalisesTwoPeopleFlag(t *testing.T) {
	r := NewRegistry(1, nil, nil, nil)
	c := pair(3)
	c.Members = append(c.Members, chat.UserRef{ID: 3})
	r.Put(c)
	if r.IsTwoPeople(3) {
		t.Fatalf("three members cannot be a two-person channel")
	}
}

func TestRejoinAndLeave(t *testing.T) {
	em := &recEmitter{}
	r := NewRegistry(1, nil, em, nil)
	r.Put(pair(2))
	r.Put(pair(1))
	if err := r.Rejoin(context.Background()); err != nil {
		t.Fatalf("Rejoin: %v", err)
	}
	if len(em.rooms) != 2 || em.rooms[0] != 1 || em.rooms[1] != 2 {
		t.Fatalf("rejoin order: %v", em.rooms)
	}
	if err := r.Leave(context.Background(), 1); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := r.Leave(context.Background(), 1); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
	if got := r.Rooms(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("rooms after leave: %v", got)
	}
}

func TestReloadTopic(t *testing.T) {
	r := NewRegistry(1, nil, nil, nil)
	r.Put(pair(4))
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	msg, err := r.ReloadTopic(4, 5, 1, "tok", at)
	if err != nil {
		t.Fatalf("ReloadTopic: %v", err)
	}
	if msg.Kind != chat.KindReloadedSubject || !msg.Flags().IsReloadedSubject {
		t.Fatalf("wrong kind: %s", msg.Kind)
	}
	if msg.Subject.UploaderID != 2 || msg.Subject.ReloaderID != 1 || msg.Content != "오늘의 주제" {
		t.Fatalf("wrong subject: %+v", msg.Subject)
	}
	c, _ := r.Lookup(4)
	if !c.Topics[0].Reloaded() {
		t.Fatalf("topic not marked reloaded")
	}
	if _, err := r.ReloadTopic(4, 99, 1, "tok2", at); !errors.Is(err, ErrUnknownTopic) {
		t.Fatalf("expected ErrUnknownTopic, got %v", err)
	}
	if _, err := r.ReloadTopic(4, 5, 7, "tok3", at); !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
}

func TestObserveSubjectAddsTopic(t *testing.T) {
	r := NewRegistry(1, nil, nil, nil)
	r.Put(pair(4))
	m := &chat.Message{ChannelID: 4, Kind: chat.KindSubject, Content: "new", Subject: &chat.Subject{TopicID: 6, UploaderID: 1}}
	if !r.ObserveSubject(m) {
		t.Fatalf("subject not observed")
	}
	if got := r.Scopes(4); len(got) != 3 {
		t.Fatalf("expected topic scope added: %+v", got)
	}
	if r.ObserveSubject(&chat.Message{ChannelID: 4, Kind: chat.KindText}) {
		t.Fatalf("text message is not a subject")
	}
}
