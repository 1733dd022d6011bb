// Package archive stores finished chess games in Postgres as PGN.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/park285/cheese-chat/internal/chat"
)

// Game is one finished game as the relay saw it.
type Game struct {
	ChannelID chat.ChannelID
	White     chat.UserID
	Black     chat.UserID
	MovesUCI  []string
	MovesSAN  []string
	// Result is white, black, draw or aborted.
	Result    string
	Method    string
	StartedAt time.Time
	EndedAt   time.Time
}

// ID keys a game by channel and start time; a channel only runs one game at
// a time.
func (g *Game) ID() string {
	return fmt.Sprintf("%d-%d", g.ChannelID, g.StartedAt.UnixMilli())
}

type Repository struct {
	db *sql.DB
}

func Open(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

const schema = `CREATE TABLE IF NOT EXISTS chess_games (
    game_id       TEXT PRIMARY KEY,
    channel_id    BIGINT NOT NULL,
    white_id      BIGINT NOT NULL,
    black_id      BIGINT NOT NULL,
    result        TEXT NOT NULL,
    result_method TEXT NOT NULL,
    moves_uci     JSONB NOT NULL,
    moves_san     JSONB NOT NULL,
    pgn           TEXT NOT NULL,
    started_at    TIMESTAMPTZ NOT NULL,
    ended_at      TIMESTAMPTZ NOT NULL,
    duration_ms   BIGINT NOT NULL
)`

// EnsureSchema creates the table when missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// SaveGame upserts a finished game.
func (r *Repository) SaveGame(ctx context.Context, g Game) error {
	if r == nil || r.db == nil {
		return nil
	}
	pgn := BuildPGN(g)
	movesUCIRaw, _ := json.Marshal(g.MovesUCI)
	movesSANRaw, _ := json.Marshal(g.MovesSAN)
	duration := g.EndedAt.Sub(g.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	q := `INSERT INTO chess_games (
        game_id, channel_id, white_id, black_id,
        result, result_method, moves_uci, moves_san, pgn,
        started_at, ended_at, duration_ms
      ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
      ) ON CONFLICT (game_id) DO UPDATE SET
        result=EXCLUDED.result,
        result_method=EXCLUDED.result_method,
        moves_uci=EXCLUDED.moves_uci,
        moves_san=EXCLUDED.moves_san,
        pgn=EXCLUDED.pgn,
        ended_at=EXCLUDED.ended_at,
        duration_ms=EXCLUDED.duration_ms`

	_, err := r.db.ExecContext(ctx, q,
		g.ID(), int64(g.ChannelID), int64(g.White), int64(g.Black),
		g.Result, strings.TrimSpace(g.Method), string(movesUCIRaw), string(movesSANRaw), pgn,
		g.StartedAt, g.EndedAt, duration,
	)
	return err
}

func resultToPGN(result string) string {
	switch strings.ToLower(strings.TrimSpace(result)) {
	case "white":
		return "1-0"
	case "black":
		return "0-1"
	case "draw":
		return "1/2-1/2"
	default:
		return "*"
	}
}

// BuildPGN renders headers and numbered SAN moves.
func BuildPGN(g Game) string {
	var b strings.Builder
	date := g.EndedAt
	if date.IsZero() {
		date = time.Now()
	}
	res := resultToPGN(g.Result)
	b.WriteString("[Event \"Cheese Chat\"]\n")
	b.WriteString(fmt.Sprintf("[Site \"channel %d\"]\n", g.ChannelID))
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[White \"%d\"]\n", g.White))
	b.WriteString(fmt.Sprintf("[Black \"%d\"]\n", g.Black))
	if m := sanitizePGN(g.Method); m != "" {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", strings.ToLower(m)))
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", res))

	for i := 0; i < len(g.MovesSAN); i += 2 {
		b.WriteString(fmt.Sprintf("%d. %s", i/2+1, strings.TrimSpace(g.MovesSAN[i])))
		if i+1 < len(g.MovesSAN) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(g.MovesSAN[i+1]))
		}
		b.WriteString(" ")
	}
	b.WriteString(res)
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
