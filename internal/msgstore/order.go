package msgstore

import (
	"math"

	"github.com/park285/cheese-chat/internal/chat"
)

// rank orders ids within one timestamp. Unpersisted entries rank above every
// server id since the server will assign them a higher one.
func rank(id chat.MessageID) int64 {
	if sid, ok := id.Server(); ok {
		return sid
	}
	return math.MaxInt64
}

// newer reports whether a sorts before b in storage order: (timestamp, id) descending.
func newer(a, b *chat.Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	ra, rb := rank(a.ID), rank(b.ID)
	if ra != rb {
		return ra > rb
	}
	return a.ID.Token() > b.ID.Token()
}

// Sorted reports whether msgs (storage order) is strictly descending with no
// repeated server id.
func Sorted(msgs []*chat.Message) bool {
	seen := make(map[int64]struct{}, len(msgs))
	for i, m := range msgs {
		if sid, ok := m.ID.Server(); ok {
			if _, dup := seen[sid]; dup {
				return false
			}
			seen[sid] = struct{}{}
		}
		if i > 0 && !newer(msgs[i-1], m) {
			return false
		}
	}
	return true
}
