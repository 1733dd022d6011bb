package gameengine

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/park285/cheese-chat/internal/chat"
	"github.com/park285/cheese-chat/internal/transport"
)

const (
	ch    chat.ChannelID = 50
	group chat.ChannelID = 51
	alice chat.UserID    = 1
	bob   chat.UserID    = 2
)

type staticDir map[chat.ChannelID]chat.Channel

func (d staticDir) Lookup(id chat.ChannelID) (chat.Channel, bool) {
	c, ok := d[id]
	return c, ok
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := staticDir{
		ch:    {ID: ch, IsTwoPeople: true, Members: []chat.UserRef{{ID: alice}, {ID: bob}}},
		group: {ID: group, Members: []chat.UserRef{{ID: alice}, {ID: bob}, {ID: 3}}},
	}
	return NewEngine(dir, nil)
}

// play submits and acks a move by the side to move.
func play(t *testing.T, e *Engine, by chat.UserID, uci string) *chat.ChessState {
	t.Helper()
	st, err := e.Submit(ch, by, uci, SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit %s by %d: %v", uci, by, err)
	}
	if _, ok := e.Ack(ch, st.Move.Number, true); !ok {
		t.Fatalf("Ack %d not matched", st.Move.Number)
	}
	return st
}

func remote(by chat.UserID, n int, uci string) transport.MovePayload {
	return transport.MovePayload{ChannelID: ch, Number: n, By: by, UCI: uci}
}

func TestFirstMoverPlaysWhite(t *testing.T) {
	e := newTestEngine(t)
	if e.Phase(ch) != PhaseNoGame {
		t.Fatalf("expected no game")
	}
	st := play(t, e, bob, "e2e4")
	if st.PlayerColors[bob] != chat.White || st.PlayerColors[alice] != chat.Black {
		t.Fatalf("colors: %+v", st.PlayerColors)
	}
	if st.Move.Number != 1 || st.Move.SAN != "e4" || st.Previous == nil || st.Previous.Move.Number != 0 {
		t.Fatalf("unexpected state: %+v", st)
	}
	if e.Phase(ch) != PhaseInProgress {
		t.Fatalf("phase: %s", e.Phase(ch))
	}
}

func TestSubmitRejections(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Submit(group, alice, "e2e4", SubmitOptions{}); !errors.Is(err, ErrNotTwoPeople) {
		t.Fatalf("group channel: %v", err)
	}
	if _, err := e.Submit(ch, 9, "e2e4", SubmitOptions{}); !errors.Is(err, ErrNotMember) {
		t.Fatalf("stranger: %v", err)
	}
	if _, err := e.Submit(ch, alice, "e2e5", SubmitOptions{}); !errors.Is(err, ErrIllegalMove) {
		t.Fatalf("illegal: %v", err)
	}
	if e.Phase(ch) != PhaseNoGame {
		t.Fatalf("illegal first move must not start a game")
	}
	if _, err := e.Submit(ch, alice, "e2e4", SubmitOptions{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := e.Submit(ch, alice, "d2d4", SubmitOptions{}); !errors.Is(err, ErrMovePending) {
		t.Fatalf("second move while pending: %v", err)
	}
	e.Ack(ch, 1, true)
	if _, err := e.Submit(ch, alice, "d2d4", SubmitOptions{}); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("out of turn: %v", err)
	}
}

func TestRejectedAckRollsBack(t *testing.T) {
	e := newTestEngine(t)
	play(t, e, alice, "e2e4")
	if _, err := e.Submit(ch, bob, "e7e5", SubmitOptions{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	st, ok := e.Ack(ch, 2, false)
	if !ok || st.Move.Number != 1 {
		t.Fatalf("rollback expected to move 1, got %+v", st)
	}
	if _, ok := e.Ack(ch, 2, true); ok {
		t.Fatalf("stale ack must not match")
	}

	// rejected opening move drops the game again
	e2 := newTestEngine(t)
	_, _ = e2.Submit(ch, alice, "e2e4", SubmitOptions{})
	e2.Ack(ch, 1, false)
	if e2.Phase(ch) != PhaseNoGame {
		t.Fatalf("phase after rejected opener: %s", e2.Phase(ch))
	}
}

func TestMoveMonotonicity(t *testing.T) {
	e := newTestEngine(t)
	play(t, e, alice, "e2e4")
	before, _ := e.Snapshot(ch)

	for _, ev := range []transport.MovePayload{
		remote(bob, 3, "e7e5"),   // skips a number
		remote(bob, 1, "e7e5"),   // stale
		remote(alice, 2, "d2d4"), // wrong side
		remote(bob, 2, "e7e4"),   // illegal
	} {
		if _, err := e.ApplyRemote(ev); err == nil {
			t.Fatalf("expected rejection for %+v", ev)
		}
		after, _ := e.Snapshot(ch)
		if after.Move != before.Move || len(after.MovesUCI) != len(before.MovesUCI) {
			t.Fatalf("rejected event changed state: %+v", after.Move)
		}
	}

	out, err := e.ApplyRemote(remote(bob, 2, "e7e5"))
	if err != nil || out != Applied {
		t.Fatalf("ApplyRemote: %v %v", out, err)
	}
	st, _ := e.Snapshot(ch)
	if st.Move.Number != before.Move.Number+1 || st.Move.By != bob {
		t.Fatalf("move not applied: %+v", st.Move)
	}
	out, err = e.ApplyRemote(remote(bob, 2, "e7e5"))
	if err != nil || out != Duplicate {
		t.Fatalf("replayed move should be a duplicate: %v %v", out, err)
	}
}

func TestRemoteMoveStartsGame(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.ApplyRemote(remote(bob, 2, "e2e4")); !errors.Is(err, ErrOutOfSequence) {
		t.Fatalf("expected out of sequence, got %v", err)
	}
	if _, err := e.ApplyRemote(remote(bob, 1, "e2e4")); err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}
	st, _ := e.Snapshot(ch)
	if st.PlayerColors[bob] != chat.White {
		t.Fatalf("remote first mover must be white")
	}
}

func TestConflictingMoveIsCorrected(t *testing.T) {
	e := newTestEngine(t)
	play(t, e, alice, "e2e4")
	play(t, e, bob, "e7e5")

	// both sides open at once; the relay took bob's move
	e2 := newTestEngine(t)
	if _, err := e2.Submit(ch, alice, "d2d4", SubmitOptions{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	out, err := e2.ApplyRemote(remote(bob, 1, "e2e4"))
	if err != nil || out != Corrected {
		t.Fatalf("expected correction, got %v %v", out, err)
	}
	st, _ := e2.Snapshot(ch)
	if st.Move.By != bob || st.Move.UCI != "e2e4" || st.PlayerColors[bob] != chat.White {
		t.Fatalf("authoritative move not installed: %+v colors=%v", st.Move, st.PlayerColors)
	}
	if _, pending := e2.Pending(ch); pending {
		t.Fatalf("pending must be cleared")
	}
	if _, ok := e2.Ack(ch, 1, false); ok {
		t.Fatalf("late ack must not roll back the correction")
	}

	// a same-number move from the side that was not to move is still rejected
	if _, err := e.Submit(ch, alice, "g1f3", SubmitOptions{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := e.ApplyRemote(remote(bob, 3, "g1f3")); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("black cannot play move 3: %v", err)
	}
}

func TestDrawHandshake(t *testing.T) {
	e := newTestEngine(t)
	play(t, e, alice, "e2e4")
	st, err := e.Submit(ch, bob, "e7e5", SubmitOptions{OfferDraw: true})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	e.Ack(ch, 2, true)
	if st.DrawOfferedBy != bob {
		t.Fatalf("offer not recorded")
	}
	if _, err := e.AcceptDraw(ch, bob); !errors.Is(err, ErrOwnDrawOffer) {
		t.Fatalf("offerer accepting: %v", err)
	}
	ev, err := e.AcceptDraw(ch, alice)
	if err != nil || ev.Reason != transport.EndDraw {
		t.Fatalf("AcceptDraw: %+v %v", ev, err)
	}
	if e.Phase(ch) != PhaseDraw {
		t.Fatalf("phase: %s", e.Phase(ch))
	}
}

func TestDrawOfferLapsesOnMove(t *testing.T) {
	e := newTestEngine(t)
	st, _ := e.Submit(ch, alice, "e2e4", SubmitOptions{OfferDraw: true})
	e.Ack(ch, st.Move.Number, true)
	play(t, e, bob, "e7e5")
	if _, err := e.AcceptDraw(ch, bob); !errors.Is(err, ErrNoDrawOffer) {
		t.Fatalf("offer should have lapsed: %v", err)
	}
}

func TestAbortWindowBoundary(t *testing.T) {
	moves := []string{"e2e4", "e7e5", "g1f3", "b8c6", "f1c4"}
	for n := 1; n <= len(moves); n++ {
		e := newTestEngine(t)
		for i := 0; i < n; i++ {
			by := alice
			if i%2 == 1 {
				by = bob
			}
			play(t, e, by, moves[i])
		}
		wantAbort := n < 4
		label := e.EndLabel(ch)
		ev, err := e.Resign(ch, bob)
		if err != nil {
			t.Fatalf("n=%d Resign: %v", n, err)
		}
		st, _ := e.Snapshot(ch)
		switch {
		case wantAbort && (label != transport.EndAbort || !st.IsAbort || st.WinnerID != 0 || ev.Reason != transport.EndAbort):
			t.Fatalf("n=%d expected abort, label=%s state=%+v", n, label, st)
		case !wantAbort && (label != transport.EndResign || !st.IsResign || st.WinnerID != alice):
			t.Fatalf("n=%d expected resign won by alice, label=%s winner=%d", n, label, st.WinnerID)
		}
		if _, err := e.Resign(ch, alice); !errors.Is(err, ErrGameOver) {
			t.Fatalf("n=%d second resign: %v", n, err)
		}
	}
}

func TestApplyEndIdempotentAndRelabelled(t *testing.T) {
	e := newTestEngine(t)
	play(t, e, alice, "e2e4")
	play(t, e, bob, "e7e5")
	// peer says resign but only two moves were played
	out, err := e.ApplyEnd(transport.EndPayload{ChannelID: ch, By: bob, Reason: transport.EndResign})
	if err != nil || out != Applied {
		t.Fatalf("ApplyEnd: %v %v", out, err)
	}
	if e.Phase(ch) != PhaseAborted {
		t.Fatalf("local label must win: %s", e.Phase(ch))
	}
	out, err = e.ApplyEnd(transport.EndPayload{ChannelID: ch, By: bob, Reason: transport.EndResign})
	if err != nil || out != Duplicate {
		t.Fatalf("repeat end: %v %v", out, err)
	}
}

func TestApplyEndRejectsUnofferedDraw(t *testing.T) {
	e := newTestEngine(t)
	play(t, e, alice, "e2e4")
	if _, err := e.ApplyEnd(transport.EndPayload{ChannelID: ch, By: bob, Reason: transport.EndDraw}); !errors.Is(err, ErrNoDrawOffer) {
		t.Fatalf("expected ErrNoDrawOffer, got %v", err)
	}
	if e.Phase(ch) != PhaseInProgress {
		t.Fatalf("game must continue")
	}
}

func TestCheckmateAndStalemate(t *testing.T) {
	e := newTestEngine(t)
	for i, mv := range []string{"f2f3", "e7e5", "g2g4", "d8h4"} {
		by := alice
		if i%2 == 1 {
			by = bob
		}
		play(t, e, by, mv)
	}
	st, _ := e.Snapshot(ch)
	if !st.IsCheckmate || st.WinnerID != bob || e.Phase(ch) != PhaseCheckmate {
		t.Fatalf("expected bob to mate: %+v", st)
	}
	if _, err := e.Submit(ch, alice, "a2a3", SubmitOptions{}); !errors.Is(err, ErrGameOver) {
		t.Fatalf("move after mate: %v", err)
	}

	e = newTestEngine(t)
	stale := []string{
		"e2e3", "a7a5", "d1h5", "a8a6", "h5a5", "h7h5", "h2h4", "a6h6", "a5c7", "f7f6",
		"c7d7", "e8f7", "d7b7", "d8d3", "b7b8", "d3h7", "b8c8", "f7g6", "c8e6",
	}
	for i, mv := range stale {
		by := alice
		if i%2 == 1 {
			by = bob
		}
		play(t, e, by, mv)
	}
	st, _ = e.Snapshot(ch)
	if !st.IsStalemate || st.WinnerID != 0 || e.Phase(ch) != PhaseStalemate {
		t.Fatalf("expected stalemate: %+v", st.Move)
	}
}

func TestRewindSingleFlight(t *testing.T) {
	e := newTestEngine(t)
	play(t, e, alice, "e2e4")
	play(t, e, bob, "e7e5")

	first := transport.RewindPayload{ChannelID: ch, By: bob, RequestID: chat.Persisted(900), TargetNumber: 1}
	if err := e.RequestRewind(first); err != nil {
		t.Fatalf("RequestRewind: %v", err)
	}
	second := transport.RewindPayload{ChannelID: ch, By: alice, RequestID: chat.Persisted(901), TargetNumber: 1}
	if err := e.RequestRewind(second); !errors.Is(err, ErrRewindPending) {
		t.Fatalf("second request: %v", err)
	}
	if id, ok := e.RewindPending(ch); !ok || !id.Same(chat.Persisted(900)) {
		t.Fatalf("pending request altered: %v", id)
	}

	// strict id matching
	wrong := first
	wrong.By, wrong.RequestID = alice, chat.Persisted(901)
	if _, err := e.AcceptRewind(wrong); !errors.Is(err, ErrRewindMismatch) {
		t.Fatalf("mismatched accept: %v", err)
	}
	if _, err := e.AcceptRewind(first); !errors.Is(err, ErrRewindSelf) {
		t.Fatalf("self accept: %v", err)
	}
	accept := first
	accept.By = alice
	st, err := e.AcceptRewind(accept)
	if err != nil {
		t.Fatalf("AcceptRewind: %v", err)
	}
	if st.Move.Number != 1 || len(st.MovesUCI) != 1 || !st.RewindRequestID.IsZero() {
		t.Fatalf("rewind not applied: %+v", st.Move)
	}
	if _, ok := e.RewindPending(ch); ok {
		t.Fatalf("request must be cleared")
	}
	// bob plays a different move 2 after the rewind
	play(t, e, bob, "c7c5")
}

func TestRewindDeclineCancel(t *testing.T) {
	e := newTestEngine(t)
	play(t, e, alice, "e2e4")
	if err := e.RequestRewind(transport.RewindPayload{ChannelID: ch, By: alice, RequestID: chat.Temp("r1"), TargetNumber: 5}); !errors.Is(err, ErrRewindTarget) {
		t.Fatalf("expected bad target, got %v", err)
	}
	req := transport.RewindPayload{ChannelID: ch, By: alice, RequestID: chat.Temp("r1"), TargetNumber: 0}
	if err := e.RequestRewind(req); err != nil {
		t.Fatalf("RequestRewind: %v", err)
	}
	if err := e.DeclineRewind(req); !errors.Is(err, ErrRewindSelf) {
		t.Fatalf("requester declining: %v", err)
	}
	cancel := req
	cancel.By = bob
	if err := e.CancelRewind(cancel); !errors.Is(err, ErrNotRequester) {
		t.Fatalf("counterpart cancelling: %v", err)
	}
	if err := e.DeclineRewind(cancel); err != nil {
		t.Fatalf("DeclineRewind: %v", err)
	}
	if err := e.CancelRewind(req); !errors.Is(err, ErrNoRewind) {
		t.Fatalf("nothing to cancel: %v", err)
	}
	if err := e.RequestRewind(req); err != nil {
		t.Fatalf("re-request: %v", err)
	}
	if err := e.CancelRewind(req); err != nil {
		t.Fatalf("CancelRewind: %v", err)
	}
	st, _ := e.Snapshot(ch)
	if st.Move.Number != 1 {
		t.Fatalf("decline/cancel must not change move number")
	}
}

func TestSpoilerGating(t *testing.T) {
	e := newTestEngine(t)
	moves := []string{"e2e4", "e7e5", "g1f3", "b8c6", "f1c4"}
	for i, mv := range moves {
		by := alice
		if i%2 == 1 {
			by = bob
		}
		play(t, e, by, mv)
	}
	st, _ := e.Snapshot(ch)
	if st.Move.Number != 5 || st.Move.By != alice {
		t.Fatalf("setup: %+v", st.Move)
	}
	if e.Spoiler(ch, alice) {
		t.Fatalf("mover never sees a spoiler")
	}
	if !e.Spoiler(ch, bob) {
		t.Fatalf("bob must see spoiler before reveal")
	}
	if !e.Reveal(ch, bob, time.Unix(1700000000, 0)) {
		t.Fatalf("Reveal should record")
	}
	if e.Spoiler(ch, bob) {
		t.Fatalf("spoiler must be off after reveal")
	}
	after, _ := e.Snapshot(ch)
	if after.Move != st.Move || after.ColorToMove() != st.ColorToMove() {
		t.Fatalf("reveal changed move or turn")
	}
	// unrelated negotiation keeps it off
	_ = e.RequestRewind(transport.RewindPayload{ChannelID: ch, By: alice, RequestID: chat.Temp("r"), TargetNumber: 4})
	if e.Spoiler(ch, bob) {
		t.Fatalf("spoiler came back after unrelated change")
	}
	if e.Reveal(ch, bob, time.Time{}) {
		t.Fatalf("second reveal is a no-op")
	}
	play(t, e, bob, "g8f6")
	if !e.Spoiler(ch, alice) {
		t.Fatalf("new move resets the spoiler for the other side")
	}
}

func TestAcknowledgeClosesSession(t *testing.T) {
	e := newTestEngine(t)
	play(t, e, alice, "e2e4")
	if _, err := e.Acknowledge(ch, alice); !errors.Is(err, ErrGameNotOver) {
		t.Fatalf("ack in progress: %v", err)
	}
	if _, err := e.Resign(ch, alice); err != nil {
		t.Fatalf("Resign: %v", err)
	}
	if _, err := e.Submit(ch, bob, "e7e5", SubmitOptions{}); !errors.Is(err, ErrGameOver) {
		t.Fatalf("second game before acks: %v", err)
	}
	closed, err := e.Acknowledge(ch, alice)
	if err != nil || closed {
		t.Fatalf("first ack: %v %v", closed, err)
	}
	closed, err = e.Acknowledge(ch, bob)
	if err != nil || !closed || e.Phase(ch) != PhaseClosed {
		t.Fatalf("second ack should close: %v %v %s", closed, err, e.Phase(ch))
	}
	if _, ok := e.Snapshot(ch); ok {
		t.Fatalf("closed session has no state")
	}
	st := play(t, e, bob, "d2d4")
	if st.PlayerColors[bob] != chat.White || st.Move.Number != 1 {
		t.Fatalf("new game: %+v", st)
	}
}

func TestRestoreValidates(t *testing.T) {
	e := newTestEngine(t)
	bad := &chat.ChessState{MovesUCI: []string{"e2e5"}, Move: chat.ChessMove{Number: 1}}
	if err := e.Restore(ch, bad); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("expected corrupt state, got %v", err)
	}
	good := &chat.ChessState{
		MovesUCI:     []string{"e2e4", "e7e5"},
		Move:         chat.ChessMove{Number: 2, By: bob, UCI: "e7e5"},
		PlayerColors: map[chat.UserID]chat.Color{alice: chat.White, bob: chat.Black},
	}
	if err := e.Restore(ch, good); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if _, err := e.ApplyRemote(remote(alice, 3, "g1f3")); err != nil {
		t.Fatalf("move after restore: %v", err)
	}
	good.Move.Number = 99
	snap, _ := e.Snapshot(ch)
	if snap.Move.Number != 3 {
		t.Fatalf("restore must copy its input")
	}
}

func TestJudge(t *testing.T) {
	res, err := Judge([]string{"f2f3", "e7e5", "g2g4", "d8h4"})
	if err != nil {
		t.Fatalf("Judge: %v", err)
	}
	if !res.Over || res.Winner != chat.Black || res.Method != "checkmate" {
		t.Fatalf("fool's mate not detected: %+v", res)
	}
	if got := res.SAN[3]; !strings.HasPrefix(got, "Qh4") {
		t.Fatalf("SAN = %q", got)
	}

	if _, err := Judge([]string{"e2e4", "e2e4"}); !errors.Is(err, ErrIllegalMove) {
		t.Fatalf("expected ErrIllegalMove, got %v", err)
	}
}
