// Package transport is the bidirectional event pipe between a chat client
// and the relay. Components receive a Channel instead of reaching for a
// global socket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var (
	ErrClosed       = errors.New("transport closed")
	ErrNotConnected = errors.New("transport not connected")
	ErrAckTimeout   = errors.New("ack timeout")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Handler consumes one inbound frame. Handlers of one connection run
// sequentially in arrival order.
type Handler func(ctx context.Context, f Frame)

type StateFunc func(State)

// Channel is the capability the chat core depends on.
type Channel interface {
	Connect(ctx context.Context) error
	Emit(ctx context.Context, event Event, payload any) error
	EmitWithAck(ctx context.Context, event Event, payload any) (Ack, error)
	On(event Event, h Handler)
	OnStateChange(fn StateFunc)
	State() State
	Close(ctx context.Context) error
}

// mux is the handler registry shared by the implementations.
type mux struct {
	mu       sync.RWMutex
	handlers map[Event][]Handler
	stateFns []StateFunc
}

func (m *mux) On(event Event, h Handler) {
	if h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handlers == nil {
		m.handlers = make(map[Event][]Handler)
	}
	m.handlers[event] = append(m.handlers[event], h)
}

func (m *mux) OnStateChange(fn StateFunc) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateFns = append(m.stateFns, fn)
}

func (m *mux) dispatch(ctx context.Context, f Frame) int {
	m.mu.RLock()
	hs := append([]Handler(nil), m.handlers[f.Event]...)
	m.mu.RUnlock()
	for _, h := range hs {
		h(ctx, f)
	}
	return len(hs)
}

func (m *mux) notify(s State) {
	m.mu.RLock()
	fns := append([]StateFunc(nil), m.stateFns...)
	m.mu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}

func encode(event Event, seq uint64, payload any) (Frame, error) {
	f := Frame{Event: event, Seq: seq}
	if payload == nil {
		return f, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		f.Data = raw
		return f, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return f, err
	}
	f.Data = b
	return f, nil
}

// pendingAcks correlates ack frames with EmitWithAck callers.
type pendingAcks struct {
	mu   sync.Mutex
	next uint64
	wait map[uint64]chan Ack
}

func (p *pendingAcks) register() (uint64, chan Ack) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.wait == nil {
		p.wait = make(map[uint64]chan Ack)
	}
	p.next++
	ch := make(chan Ack, 1)
	p.wait[p.next] = ch
	return p.next, ch
}

func (p *pendingAcks) resolve(seq uint64, a Ack) bool {
	p.mu.Lock()
	ch, ok := p.wait[seq]
	delete(p.wait, seq)
	p.mu.Unlock()
	if ok {
		ch <- a
	}
	return ok
}

func (p *pendingAcks) drop(seq uint64) {
	p.mu.Lock()
	delete(p.wait, seq)
	p.mu.Unlock()
}

func (p *pendingAcks) await(ctx context.Context, seq uint64, ch chan Ack) (Ack, error) {
	select {
	case a := <-ch:
		return a, nil
	case <-ctx.Done():
		p.drop(seq)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Ack{}, ErrAckTimeout
		}
		return Ack{}, ctx.Err()
	}
}
