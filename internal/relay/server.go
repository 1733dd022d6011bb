package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/park285/cheese-chat/internal/archive"
	"github.com/park285/cheese-chat/internal/chat"
	"github.com/park285/cheese-chat/internal/diag"
	"github.com/park285/cheese-chat/internal/gameengine"
	"github.com/park285/cheese-chat/internal/obslog"
	"github.com/park285/cheese-chat/internal/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const sendBuffer = 64

// Archiver persists finished games. *archive.Repository satisfies it.
type Archiver interface {
	SaveGame(ctx context.Context, g archive.Game) error
}

var _ Archiver = (*archive.Repository)(nil)

type Options struct {
	EventsPerSec float64
	Burst        int
	Archive      Archiver
	Logger       *zap.Logger
	// Tick is the countdown interval, one second unless overridden.
	Tick time.Duration
}

// Server routes frames between the clients joined to a channel. It acks
// frames sent with a seq; chess moves are acked only after the store
// accepted them.
type Server struct {
	store   *Store
	archive Archiver
	logger  *zap.Logger
	limit   rate.Limit
	burst   int
	tick    time.Duration

	mu     sync.Mutex
	rooms  map[chat.ChannelID]map[*conn]struct{}
	timers map[chat.ChannelID]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(store *Store, opts Options) *Server {
	s := &Server{
		store:   store,
		archive: opts.Archive,
		logger:  obslog.Or(opts.Logger, "relay"),
		limit:   rate.Inf,
		burst:   opts.Burst,
		tick:    opts.Tick,
		rooms:   make(map[chat.ChannelID]map[*conn]struct{}),
		timers:  make(map[chat.ChannelID]context.CancelFunc),
	}
	if opts.EventsPerSec > 0 {
		s.limit = rate.Limit(opts.EventsPerSec)
	}
	if s.burst <= 0 {
		s.burst = 1
	}
	if s.tick <= 0 {
		s.tick = time.Second
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Handler serves /ws, /metrics and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Close stops every countdown and waits for background archive writes.
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	for ch, stop := range s.timers {
		stop()
		delete(s.timers, ch)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

type conn struct {
	user    chat.UserID
	ws      *websocket.Conn
	send    chan transport.Frame
	limiter *rate.Limiter
	joined  map[chat.ChannelID]struct{} // guarded by Server.mu
}

func userFrom(r *http.Request) (chat.UserID, bool) {
	raw := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("user"))
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return chat.UserID(n), true
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(r)
	if !ok {
		http.Error(w, "missing user", http.StatusUnauthorized)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode:    websocket.CompressionNoContextTakeover,
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("relay_accept_failed", zap.Error(err))
		return
	}
	c := &conn{
		user:    user,
		ws:      ws,
		send:    make(chan transport.Frame, sendBuffer),
		limiter: rate.NewLimiter(s.limit, s.burst),
		joined:  make(map[chat.ChannelID]struct{}),
	}
	diag.RelayConnections.Inc()
	defer diag.RelayConnections.Dec()
	s.logger.Info("relay_connected", zap.Int64("user", int64(user)))

	ctx, cancel := context.WithCancel(r.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(ctx, c)
	}()

	s.readLoop(ctx, c)
	cancel()
	<-done
	s.leaveAll(c)
	_ = ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("relay_disconnected", zap.Int64("user", int64(user)))
}

func (s *Server) readLoop(ctx context.Context, c *conn) {
	for {
		var f transport.Frame
		if err := wsjson.Read(ctx, c.ws, &f); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				s.logger.Debug("relay_read_failed", zap.Int64("user", int64(c.user)), zap.Error(err))
			}
			return
		}
		if !c.limiter.Allow() {
			diag.RelayFrames.WithLabelValues(string(f.Event), "rate_limited").Inc()
			if f.Seq != 0 {
				s.ack(c, f.Seq, false, "rate limited")
			}
			continue
		}
		f.From = c.user
		s.handle(ctx, c, f)
	}
}

func (s *Server) writeLoop(ctx context.Context, c *conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, c.ws, f)
			cancel()
			if err != nil {
				s.logger.Debug("relay_write_failed", zap.Int64("user", int64(c.user)), zap.Error(err))
				_ = c.ws.Close(websocket.StatusGoingAway, "write failed")
				return
			}
		}
	}
}

// enqueue never blocks; a client too slow to drain its buffer loses frames
// and catches up on its next resync.
func (s *Server) enqueue(c *conn, f transport.Frame) {
	select {
	case c.send <- f:
	default:
		diag.RelayFrames.WithLabelValues(string(f.Event), "dropped").Inc()
	}
}

func (s *Server) ack(c *conn, seq uint64, ok bool, reason string) {
	s.enqueue(c, transport.Frame{Event: transport.EventAck, Seq: seq, Ack: &transport.Ack{OK: ok, Reason: reason}})
}

func (s *Server) handle(ctx context.Context, c *conn, f transport.Frame) {
	switch f.Event {
	case transport.EventAck:
		return
	case transport.EventJoinChannel, transport.EventLeaveChannel:
		s.onRoom(ctx, c, f)
	case transport.EventUserMadeMove:
		s.onMove(ctx, c, f)
	case transport.EventEndChessGame:
		s.onEnd(ctx, c, f)
	case transport.EventAcceptRewind:
		s.onRewind(ctx, c, f)
	case transport.EventStartTimer:
		s.onStartTimer(c, f)
	default:
		s.forward(c, f)
	}
}

// channelOf reads the channelId every payload carries at top level.
func channelOf(data json.RawMessage) (chat.ChannelID, error) {
	var p struct {
		ChannelID chat.ChannelID `json:"channelId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return 0, err
	}
	if p.ChannelID == 0 {
		return 0, errors.New("missing channelId")
	}
	return p.ChannelID, nil
}

func (s *Server) onRoom(ctx context.Context, c *conn, f transport.Frame) {
	p, err := transport.Decode[transport.RoomPayload](f.Data)
	if err != nil || p.ChannelID == 0 {
		s.reject(c, f, "bad payload")
		return
	}
	if f.Event == transport.EventJoinChannel {
		s.join(c, p.ChannelID)
		if err := s.store.AddMember(ctx, p.ChannelID, c.user); err != nil {
			s.logger.Warn("relay_member_add_failed", zap.Int64("channel", int64(p.ChannelID)), zap.Error(err))
		}
	} else {
		s.leave(c, p.ChannelID)
		if err := s.store.RemoveMember(ctx, p.ChannelID, c.user); err != nil {
			s.logger.Warn("relay_member_remove_failed", zap.Int64("channel", int64(p.ChannelID)), zap.Error(err))
		}
	}
	diag.RelayFrames.WithLabelValues(string(f.Event), "ok").Inc()
	if f.Seq != 0 {
		s.ack(c, f.Seq, true, "")
	}
}

func (s *Server) onMove(ctx context.Context, c *conn, f transport.Frame) {
	p, err := transport.Decode[transport.MovePayload](f.Data)
	if err != nil || p.ChannelID == 0 {
		s.reject(c, f, "bad payload")
		return
	}
	if !s.member(c, p.ChannelID) {
		s.reject(c, f, "not joined")
		return
	}
	p.By = c.user
	rec, err := s.store.Arbitrate(ctx, p)
	if err != nil {
		s.logger.Info("relay_move_rejected",
			zap.Int64("channel", int64(p.ChannelID)),
			zap.Int("number", p.Number),
			zap.String("uci", p.UCI),
			zap.Error(err))
		s.reject(c, f, err.Error())
		return
	}
	if f.Seq != 0 {
		s.ack(c, f.Seq, true, "")
	}
	data, _ := json.Marshal(p)
	f.Data = data
	s.fanout(p.ChannelID, c, f)
	s.stopTimer(p.ChannelID)
	if rec.Over {
		s.logger.Info("relay_game_over",
			zap.Int64("channel", int64(rec.ChannelID)),
			zap.String("result", rec.Result),
			zap.String("method", rec.Method))
		s.save(rec)
	}
}

func (s *Server) onEnd(ctx context.Context, c *conn, f transport.Frame) {
	p, err := transport.Decode[transport.EndPayload](f.Data)
	if err != nil || p.ChannelID == 0 {
		s.reject(c, f, "bad payload")
		return
	}
	if !s.member(c, p.ChannelID) {
		s.reject(c, f, "not joined")
		return
	}
	p.By = c.user
	rec, err := s.store.Finish(ctx, p)
	switch {
	case err == nil:
		s.save(rec)
	case errors.Is(err, ErrNoGame), errors.Is(err, ErrGameOver):
		// nothing recorded yet or already closed; peers still need the frame
	default:
		s.logger.Warn("relay_finish_failed", zap.Int64("channel", int64(p.ChannelID)), zap.Error(err))
	}
	s.stopTimer(p.ChannelID)
	s.forward(c, f)
}

func (s *Server) onRewind(ctx context.Context, c *conn, f transport.Frame) {
	p, err := transport.Decode[transport.RewindPayload](f.Data)
	if err != nil || p.ChannelID == 0 {
		s.reject(c, f, "bad payload")
		return
	}
	if !s.member(c, p.ChannelID) {
		s.reject(c, f, "not joined")
		return
	}
	if _, err := s.store.Rewind(ctx, p.ChannelID, p.TargetNumber); err != nil {
		s.logger.Info("relay_rewind_unrecorded",
			zap.Int64("channel", int64(p.ChannelID)),
			zap.Int("target", p.TargetNumber),
			zap.Error(err))
	}
	s.stopTimer(p.ChannelID)
	s.forward(c, f)
}

func (s *Server) onStartTimer(c *conn, f transport.Frame) {
	p, err := transport.Decode[transport.TimerPayload](f.Data)
	if err != nil || p.ChannelID == 0 || p.Seconds <= 0 {
		s.reject(c, f, "bad payload")
		return
	}
	if !s.member(c, p.ChannelID) {
		s.reject(c, f, "not joined")
		return
	}
	s.startTimer(p.ChannelID, p.Seconds)
	diag.RelayFrames.WithLabelValues(string(f.Event), "ok").Inc()
	if f.Seq != 0 {
		s.ack(c, f.Seq, true, "")
	}
}

// forward fans f out to the other members of its channel and acks it.
func (s *Server) forward(c *conn, f transport.Frame) {
	ch, err := channelOf(f.Data)
	if err != nil {
		s.reject(c, f, "bad payload")
		return
	}
	if !s.member(c, ch) {
		s.reject(c, f, "not joined")
		return
	}
	if f.Seq != 0 {
		s.ack(c, f.Seq, true, "")
	}
	s.fanout(ch, c, f)
}

func (s *Server) reject(c *conn, f transport.Frame, reason string) {
	diag.RelayFrames.WithLabelValues(string(f.Event), "rejected").Inc()
	if f.Seq != 0 {
		s.ack(c, f.Seq, false, reason)
	}
}

func (s *Server) fanout(ch chat.ChannelID, from *conn, f transport.Frame) {
	f.Event = transport.Outbound(f.Event)
	f.Seq = 0
	f.Ack = nil
	for _, c := range s.members(ch) {
		if c != from {
			s.enqueue(c, f)
		}
	}
	diag.RelayFrames.WithLabelValues(string(f.Event), "routed").Inc()
}

func (s *Server) broadcast(ch chat.ChannelID, event transport.Event, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	f := transport.Frame{Event: event, Data: data}
	for _, c := range s.members(ch) {
		s.enqueue(c, f)
	}
}

func (s *Server) join(c *conn, ch chat.ChannelID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.rooms[ch]
	if room == nil {
		room = make(map[*conn]struct{})
		s.rooms[ch] = room
	}
	room[c] = struct{}{}
	c.joined[ch] = struct{}{}
}

func (s *Server) leave(c *conn, ch chat.ChannelID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaveLocked(c, ch)
}

func (s *Server) leaveLocked(c *conn, ch chat.ChannelID) {
	delete(c.joined, ch)
	room := s.rooms[ch]
	if room == nil {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(s.rooms, ch)
		if stop, ok := s.timers[ch]; ok {
			stop()
			delete(s.timers, ch)
		}
	}
}

func (s *Server) leaveAll(c *conn) {
	s.mu.Lock()
	joined := make([]chat.ChannelID, 0, len(c.joined))
	for ch := range c.joined {
		joined = append(joined, ch)
		s.leaveLocked(c, ch)
	}
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, ch := range joined {
		_ = s.store.RemoveMember(ctx, ch, c.user)
	}
}

func (s *Server) member(c *conn, ch chat.ChannelID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := c.joined[ch]
	return ok
}

func (s *Server) members(ch chat.ChannelID) []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conn, 0, len(s.rooms[ch]))
	for c := range s.rooms[ch] {
		out = append(out, c)
	}
	return out
}

// startTimer counts down from seconds, sending each remaining number to the
// whole room. A channel runs at most one countdown.
func (s *Server) startTimer(ch chat.ChannelID, seconds int) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	if stop, ok := s.timers[ch]; ok {
		stop()
	}
	s.timers[ch] = cancel
	s.mu.Unlock()

	go func() {
		t := time.NewTicker(s.tick)
		defer t.Stop()
		for n := seconds - 1; n >= 0; n-- {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			s.broadcast(ch, transport.EventCountdownNumber, transport.TimerPayload{ChannelID: ch, Number: n})
		}
		s.mu.Lock()
		if ctx.Err() == nil {
			delete(s.timers, ch)
		}
		s.mu.Unlock()
		cancel()
	}()
}

// stopTimer cancels a running countdown and tells the room.
func (s *Server) stopTimer(ch chat.ChannelID) {
	s.mu.Lock()
	stop, ok := s.timers[ch]
	delete(s.timers, ch)
	s.mu.Unlock()
	if !ok {
		return
	}
	stop()
	s.broadcast(ch, transport.EventTimerCleared, transport.TimerPayload{ChannelID: ch})
}

func (s *Server) save(rec *GameRecord) {
	if s.archive == nil || rec == nil {
		return
	}
	g := toArchive(rec)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.archive.SaveGame(ctx, g); err != nil {
			s.logger.Warn("relay_archive_failed", zap.String("game", g.ID()), zap.Error(err))
			return
		}
		s.logger.Info("relay_game_archived", zap.String("game", g.ID()), zap.String("result", g.Result))
	}()
}

func toArchive(rec *GameRecord) archive.Game {
	g := archive.Game{
		ChannelID: rec.ChannelID,
		White:     rec.White,
		Black:     rec.Black,
		MovesUCI:  append([]string(nil), rec.Moves...),
		Result:    rec.Result,
		Method:    rec.Method,
		StartedAt: rec.StartedAt,
		EndedAt:   rec.UpdatedAt,
	}
	if res, err := gameengine.Judge(rec.Moves); err == nil {
		g.MovesSAN = res.SAN
	}
	return g
}
