package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/park285/cheese-chat/internal/chat"
	"github.com/park285/cheese-chat/internal/gameengine"
	"github.com/park285/cheese-chat/internal/transport"
	"github.com/redis/go-redis/v9"
)

const (
	ttlGame         = 24 * time.Hour
	maxWatchRetries = 3
)

var (
	ErrStaleMove   = errors.New("stale move number")
	ErrNotYourTurn = errors.New("not your turn")
	ErrIllegalMove = errors.New("illegal move")
	ErrGameOver    = errors.New("game already over")
	ErrNoGame      = errors.New("no game in channel")
	ErrConcurrent  = errors.New("concurrent update")
	ErrBadRewind   = errors.New("rewind target is not the previous move")
	errNotPlayer   = errors.New("user is not a player of this game")
)

// GameRecord is the relay's copy of a channel's game. It only exists to
// arbitrate move numbers and to archive the result.
type GameRecord struct {
	ChannelID chat.ChannelID `json:"channelId"`
	White     chat.UserID    `json:"white"`
	Black     chat.UserID    `json:"black,omitempty"`
	Moves     []string       `json:"moves"`
	LastBy    chat.UserID    `json:"lastBy,omitempty"`
	Over      bool           `json:"over,omitempty"`
	Result    string         `json:"result,omitempty"`
	Method    string         `json:"method,omitempty"`
	StartedAt time.Time      `json:"startedAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func (g *GameRecord) player(u chat.UserID) bool {
	return u == g.White || g.Black == 0 || u == g.Black
}

// Store keeps room membership and game records in redis.
type Store struct {
	rdb *redis.Client
	now func() time.Time
}

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb, now: time.Now} }

// Open parses a redis:// URL and pings the server.
func Open(ctx context.Context, rawURL string) (*redis.Client, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for relay")
	}
	opts, err := ParseRedisURL(rawURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func ParseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}

func gameKey(ch chat.ChannelID) string { return "relay:game:" + strconv.FormatInt(int64(ch), 10) }
func membersKey(ch chat.ChannelID) string {
	return "relay:room:" + strconv.FormatInt(int64(ch), 10) + ":members"
}

func (s *Store) AddMember(ctx context.Context, ch chat.ChannelID, u chat.UserID) error {
	key := membersKey(ch)
	if err := s.rdb.SAdd(ctx, key, int64(u)).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, key, ttlGame).Err()
}

func (s *Store) RemoveMember(ctx context.Context, ch chat.ChannelID, u chat.UserID) error {
	return s.rdb.SRem(ctx, membersKey(ch), int64(u)).Err()
}

// Members lists every user currently joined to ch, on any relay instance.
func (s *Store) Members(ctx context.Context, ch chat.ChannelID) ([]chat.UserID, error) {
	raw, err := s.rdb.SMembers(ctx, membersKey(ch)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]chat.UserID, 0, len(raw))
	for _, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			out = append(out, chat.UserID(n))
		}
	}
	return out, nil
}

func (s *Store) Game(ctx context.Context, ch chat.ChannelID) (*GameRecord, error) {
	return load(ctx, s.rdb, gameKey(ch))
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func load(ctx context.Context, r getter, key string) (*GameRecord, error) {
	raw, err := r.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var g GameRecord
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// update runs fn on the record under WATCH and writes the result. fn returns
// the record to store, or nil to delete it.
func (s *Store) update(ctx context.Context, ch chat.ChannelID, fn func(cur *GameRecord) (*GameRecord, error)) (*GameRecord, error) {
	key := gameKey(ch)
	var out *GameRecord
	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := load(ctx, tx, key)
			if err != nil {
				return err
			}
			next, err := fn(cur)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if next == nil {
					pipe.Del(ctx, key)
					return nil
				}
				raw, err := json.Marshal(next)
				if err != nil {
					return err
				}
				pipe.Set(ctx, key, raw, ttlGame)
				return nil
			})
			if err != nil {
				return err
			}
			out = next
			return nil
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return nil, ErrConcurrent
}

// Arbitrate accepts mv when its number is exactly one past the stored game
// and the move is legal. Of two racing moves with the same number only the
// first to commit wins.
func (s *Store) Arbitrate(ctx context.Context, mv transport.MovePayload) (*GameRecord, error) {
	return s.update(ctx, mv.ChannelID, func(cur *GameRecord) (*GameRecord, error) {
		now := s.now()
		if cur == nil || cur.Over {
			if mv.Number != 1 {
				return nil, fmt.Errorf("%w: got %d with no game", ErrStaleMove, mv.Number)
			}
			cur = &GameRecord{ChannelID: mv.ChannelID, White: mv.By, StartedAt: now}
		}
		if mv.Number != len(cur.Moves)+1 {
			return nil, fmt.Errorf("%w: have %d, got %d", ErrStaleMove, len(cur.Moves), mv.Number)
		}
		if !cur.player(mv.By) {
			return nil, errNotPlayer
		}
		if mv.By == cur.LastBy || (len(cur.Moves) == 0 && mv.By != cur.White) {
			return nil, ErrNotYourTurn
		}
		moves := append(append([]string(nil), cur.Moves...), mv.UCI)
		res, err := gameengine.Judge(moves)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrIllegalMove, mv.UCI)
		}
		next := *cur
		next.Moves = moves
		next.LastBy = mv.By
		next.UpdatedAt = now
		if next.Black == 0 && mv.By != next.White {
			next.Black = mv.By
		}
		if res.Over {
			next.Over = true
			next.Method = res.Method
			switch res.Winner {
			case chat.White:
				next.Result = "white"
			case chat.Black:
				next.Result = "black"
			default:
				next.Result = "draw"
			}
		}
		return &next, nil
	})
}

// Finish records a resign, abort or agreed draw.
func (s *Store) Finish(ctx context.Context, ev transport.EndPayload) (*GameRecord, error) {
	return s.update(ctx, ev.ChannelID, func(cur *GameRecord) (*GameRecord, error) {
		if cur == nil {
			return nil, ErrNoGame
		}
		if cur.Over {
			return nil, ErrGameOver
		}
		if !cur.player(ev.By) {
			return nil, errNotPlayer
		}
		next := *cur
		next.Over = true
		next.UpdatedAt = s.now()
		next.Method = string(ev.Reason)
		switch ev.Reason {
		case transport.EndAbort:
			next.Result = "aborted"
		case transport.EndDraw:
			next.Result = "draw"
		default:
			next.Result = "white"
			if ev.By == cur.White {
				next.Result = "black"
			}
		}
		return &next, nil
	})
}

// Rewind drops the last move once a rewind was accepted.
func (s *Store) Rewind(ctx context.Context, ch chat.ChannelID, target int) (*GameRecord, error) {
	return s.update(ctx, ch, func(cur *GameRecord) (*GameRecord, error) {
		if cur == nil {
			return nil, ErrNoGame
		}
		if cur.Over {
			return nil, ErrGameOver
		}
		if target != len(cur.Moves)-1 {
			return nil, fmt.Errorf("%w: have %d, target %d", ErrBadRewind, len(cur.Moves), target)
		}
		next := *cur
		next.Moves = append([]string(nil), cur.Moves[:target]...)
		next.LastBy = 0
		if target > 0 {
			// colors alternate from white
			if target%2 == 1 {
				next.LastBy = cur.White
			} else {
				next.LastBy = cur.Black
			}
		}
		next.UpdatedAt = s.now()
		return &next, nil
	})
}
