package transport

import (
	"context"
	"sync"

	"github.com/park285/cheese-chat/internal/chat"
)

// ArbiterFunc decides the ack for frames sent with EmitWithAck. A rejected
// frame is not fanned out.
type ArbiterFunc func(from chat.UserID, f Frame) Ack

// Loopback is an in-process hub. Frames emitted by one endpoint are delivered
// synchronously to every other connected endpoint, renamed the way the relay
// renames them.
type Loopback struct {
	mu        sync.Mutex
	endpoints []*LoopbackEndpoint
	arbiter   ArbiterFunc
	log       []Frame
}

func NewLoopback() *Loopback { return &Loopback{} }

// SetArbiter installs the ack policy. Without one every frame is accepted.
func (h *Loopback) SetArbiter(fn ArbiterFunc) {
	h.mu.Lock()
	h.arbiter = fn
	h.mu.Unlock()
}

// Endpoint creates a new client side bound to user.
func (h *Loopback) Endpoint(user chat.UserID) *LoopbackEndpoint {
	e := &LoopbackEndpoint{hub: h, user: user, state: StateDisconnected}
	h.mu.Lock()
	h.endpoints = append(h.endpoints, e)
	h.mu.Unlock()
	return e
}

// Frames returns every frame that passed through the hub.
func (h *Loopback) Frames() []Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Frame(nil), h.log...)
}

// FramesOf filters Frames by event.
func (h *Loopback) FramesOf(ev Event) []Frame {
	var out []Frame
	for _, f := range h.Frames() {
		if f.Event == ev {
			out = append(out, f)
		}
	}
	return out
}

// Outbound maps a client event to the event peers receive.
func Outbound(ev Event) Event {
	switch ev {
	case EventNewChatMessage:
		return EventNewMessageReceived
	}
	return ev
}

func (h *Loopback) route(ctx context.Context, from *LoopbackEndpoint, f Frame) {
	f.From = from.user
	f.Event = Outbound(f.Event)
	f.Seq = 0
	h.mu.Lock()
	h.log = append(h.log, f)
	targets := make([]*LoopbackEndpoint, 0, len(h.endpoints))
	for _, e := range h.endpoints {
		if e != from {
			targets = append(targets, e)
		}
	}
	h.mu.Unlock()
	for _, e := range targets {
		e.deliver(ctx, f)
	}
}

func (h *Loopback) decide(from chat.UserID, f Frame) Ack {
	h.mu.Lock()
	fn := h.arbiter
	h.mu.Unlock()
	if fn == nil {
		return Ack{OK: true}
	}
	return fn(from, f)
}

// LoopbackEndpoint implements Channel on top of a Loopback hub.
type LoopbackEndpoint struct {
	mux
	hub  *Loopback
	user chat.UserID

	stMu  sync.Mutex
	state State
}

var _ Channel = (*LoopbackEndpoint)(nil)

func (e *LoopbackEndpoint) Connect(context.Context) error {
	e.SetState(StateConnected)
	return nil
}

// SetState simulates connectivity changes. Frames routed to a disconnected
// endpoint are lost.
func (e *LoopbackEndpoint) SetState(s State) {
	e.stMu.Lock()
	changed := e.state != s
	e.state = s
	e.stMu.Unlock()
	if changed {
		e.notify(s)
	}
}

func (e *LoopbackEndpoint) State() State {
	e.stMu.Lock()
	defer e.stMu.Unlock()
	return e.state
}

func (e *LoopbackEndpoint) Emit(ctx context.Context, event Event, payload any) error {
	if e.State() != StateConnected {
		return ErrNotConnected
	}
	f, err := encode(event, 0, payload)
	if err != nil {
		return err
	}
	e.hub.route(ctx, e, f)
	return nil
}

func (e *LoopbackEndpoint) EmitWithAck(ctx context.Context, event Event, payload any) (Ack, error) {
	if e.State() != StateConnected {
		return Ack{}, ErrNotConnected
	}
	f, err := encode(event, 0, payload)
	if err != nil {
		return Ack{}, err
	}
	f.From = e.user
	ack := e.hub.decide(e.user, f)
	if ack.OK {
		e.hub.route(ctx, e, f)
	}
	return ack, nil
}

// Inject delivers a frame to this endpoint as if the relay had sent it.
func (e *LoopbackEndpoint) Inject(ctx context.Context, f Frame) {
	e.deliver(ctx, f)
}

func (e *LoopbackEndpoint) deliver(ctx context.Context, f Frame) {
	if e.State() != StateConnected {
		return
	}
	e.dispatch(ctx, f)
}

func (e *LoopbackEndpoint) Close(context.Context) error {
	e.SetState(StateDisconnected)
	return nil
}
