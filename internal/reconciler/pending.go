package reconciler

import (
	"sync"
	"time"

	"github.com/park285/cheese-chat/internal/chat"
	"github.com/park285/cheese-chat/internal/diag"
	"github.com/park285/cheese-chat/internal/transport"
	"go.uber.org/zap"
)

// mutation is an edit or delete whose target has not arrived yet.
type mutation struct {
	event   transport.Event
	scope   chat.Scope
	id      chat.MessageID
	content string
	at      time.Time
}

// pendingBuffer parks mutations for a bounded time and size. Oldest entries
// are evicted first.
type pendingBuffer struct {
	mu       sync.Mutex
	window   time.Duration
	capacity int
	items    []mutation
	now      func() time.Time
	logger   *zap.Logger
}

func newPendingBuffer(window time.Duration, capacity int, now func() time.Time, logger *zap.Logger) *pendingBuffer {
	if window <= 0 {
		window = 5 * time.Second
	}
	if capacity <= 0 {
		capacity = 256
	}
	if now == nil {
		now = time.Now
	}
	return &pendingBuffer{window: window, capacity: capacity, now: now, logger: logger}
}

func (b *pendingBuffer) park(m mutation) {
	m.at = b.now()
	b.mu.Lock()
	b.expireLocked(m.at)
	for i := range b.items {
		cur := b.items[i]
		if cur.event == m.event && cur.id.Same(m.id) {
			// a later edit supersedes the parked one
			b.items[i] = m
			b.mu.Unlock()
			return
		}
	}
	if len(b.items) >= b.capacity {
		old := b.items[0]
		b.items = b.items[1:]
		diag.Ignored(string(old.event), "buffer_full")
		b.logger.Warn("pending_mutation_evicted", zap.String("event", string(old.event)), zap.String("message_id", old.id.String()))
	}
	b.items = append(b.items, m)
	diag.PendingBuffered.Set(float64(len(b.items)))
	b.mu.Unlock()
	b.logger.Debug("pending_mutation_parked", zap.String("event", string(m.event)), zap.String("message_id", m.id.String()))
}

// take removes and returns the live mutations targeting msg, in arrival order.
func (b *pendingBuffer) take(msg chat.MessageID) []mutation {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(b.now())
	var out []mutation
	kept := b.items[:0]
	for _, m := range b.items {
		if m.id.Same(msg) {
			out = append(out, m)
			continue
		}
		kept = append(kept, m)
	}
	b.items = kept
	diag.PendingBuffered.Set(float64(len(b.items)))
	return out
}

func (b *pendingBuffer) sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.expireLocked(b.now())
}

func (b *pendingBuffer) expireLocked(now time.Time) int {
	dropped := 0
	kept := b.items[:0]
	for _, m := range b.items {
		if now.Sub(m.at) > b.window {
			dropped++
			diag.Ignored(string(m.event), "target_never_arrived")
			b.logger.Info("pending_mutation_dropped", zap.String("event", string(m.event)),
				zap.String("message_id", m.id.String()), zap.String("scope", m.scope.String()))
			continue
		}
		kept = append(kept, m)
	}
	b.items = kept
	if dropped > 0 {
		diag.PendingBuffered.Set(float64(len(b.items)))
	}
	return dropped
}

func (b *pendingBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
