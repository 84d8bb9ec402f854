package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *HistoryStore {
	t.Helper()
	store, err := OpenHistoryStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// wolfHunt scripts a simple table: the pack always eats the first villager it
// is offered, and the village always votes out a wolf.
func wolfHunt(s **Session) func(Ballot) map[PlayerID]PlayerID {
	return func(b Ballot) map[PlayerID]PlayerID {
		out := make(map[PlayerID]PlayerID)
		var target PlayerID
		if b.Scope == ScopeWolves {
			target = b.Candidates[0]
		} else {
			for _, p := range (*s).Snapshot().Players {
				if p.Alive && p.RoleKey == "werewolf" {
					target = p.ID
				}
			}
		}
		for _, voter := range b.Voters {
			out[voter] = target
		}
		return out
	}
}

func TestFullGameVillageWins(t *testing.T) {
	logger := NewTestLogger(t)
	store := newTestStore(t)
	narrator := &mockNarrator{story: "Fog rolled over the village."}
	v := newFakeVenue()
	opts := testOptions()
	opts.Timeouts.Narration = time.Second

	var s *Session
	v.ballots = wolfHunt(&s)
	s = NewSession("e2e", "h", SessionDeps{Venue: v, History: store, Narrator: narrator, Rand: testRand(), Options: &opts})
	ctx := context.Background()
	for i, id := range []PlayerID{"h", "b", "c", "d", "e", "f"} {
		if err := s.Join(ctx, id, testNames[i]); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Configure(ctx, "h", ConfigRequest{Total: 6, Counts: map[string]int{"werewolf": 1}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Start("h"); err != nil {
		t.Fatal(err)
	}
	logger.Debug("=== dealt: %+v ===", s.Snapshot().Players)

	outcome, err := s.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Kind != WinVillage {
		t.Fatalf("outcome = %+v", outcome)
	}
	if len(outcome.Winners) != 5 {
		t.Errorf("winners = %v, want the five villagers", outcome.Winners)
	}
	snap := s.Snapshot()
	if snap.State != StateEnded || snap.Outcome == nil {
		t.Errorf("final state %s, outcome %v", snap.State, snap.Outcome)
	}
	if snap.NightIndex != 1 {
		t.Errorf("game took %d nights, want 1", snap.NightIndex)
	}
	if v.released != 1 {
		t.Errorf("venue released %d times", v.released)
	}
	if !v.said(ScopeMain, "The village wins") || !v.said(ScopeMain, "Recap") {
		t.Error("ending not announced")
	}
	if !v.said(ScopeMain, "Fog rolled over the village.") {
		t.Error("story not told")
	}

	game, err := store.Game(ctx, s.GameID())
	if err != nil {
		t.Fatal(err)
	}
	if game.Status != "ended" || game.Winner != string(WinVillage) {
		t.Errorf("stored game = %+v", game)
	}
	public, err := store.PublicHistory(ctx, s.GameID())
	if err != nil {
		t.Fatal(err)
	}
	if len(public) == 0 {
		t.Error("no public history recorded")
	}
	if len(narrator.calls) == 0 || len(narrator.calls[0]) == 0 {
		t.Error("narrator got no history")
	}
	logger.LogDB("after full game")
}

// rescueTable plays a six seat game with a wolf, a guard, a witch and three
// villagers. The pack always goes for a villager, the guard never covers
// one and the witch saves the first victim. The first village vote is a
// 2-2 tie between the wolf and a villager; every later vote takes the wolf.
func rescueTable(t *testing.T, seed uint64) (*Session, *fakeVenue) {
	t.Helper()
	v := newFakeVenue()
	opts := testOptions()
	var s *Session

	roleOf := func(id PlayerID) string {
		for _, p := range s.Snapshot().Players {
			if p.ID == id {
				return p.RoleKey
			}
		}
		return ""
	}
	firstWith := func(ids []PlayerID, role string) PlayerID {
		for _, id := range ids {
			if roleOf(id) == role {
				return id
			}
		}
		return ""
	}

	v.answer("witch_heal", yes)
	v.answerWith("protect", func(to PlayerID, p Prompt) Reply {
		if w := firstWith(p.Choices, "witch"); w != "" {
			return pick(w)
		}
		return pick(to)
	})
	days := 0
	v.ballots = func(b Ballot) map[PlayerID]PlayerID {
		out := make(map[PlayerID]PlayerID)
		if b.Scope == ScopeWolves {
			for _, voter := range b.Voters {
				out[voter] = firstWith(b.Candidates, "villager")
			}
			return out
		}
		days++
		wolf := firstWith(b.Candidates, "werewolf")
		if days > 1 {
			for _, voter := range b.Voters {
				out[voter] = wolf
			}
			return out
		}
		villager := firstWith(b.Candidates, "villager")
		out[b.Voters[0]], out[b.Voters[1]] = wolf, wolf
		out[b.Voters[2]], out[b.Voters[3]] = villager, villager
		return out
	}

	s = NewSession("rescue", "p0", SessionDeps{Venue: v, Rand: rand.New(rand.NewPCG(seed, 7)), Options: &opts})
	ctx := context.Background()
	for i := range 6 {
		if err := s.Join(ctx, PlayerID(fmt.Sprintf("p%d", i)), testNames[i]); err != nil {
			t.Fatal(err)
		}
	}
	counts := map[string]int{"werewolf": 1, "guard": 1, "witch": 1}
	if err := s.Configure(ctx, "p0", ConfigRequest{Total: 6, Counts: counts}); err != nil {
		t.Fatal(err)
	}
	if err := s.Start("p0"); err != nil {
		t.Fatal(err)
	}
	outcome, err := s.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Kind != WinVillage {
		t.Fatalf("seed %d: outcome = %+v", seed, outcome)
	}
	return s, v
}

func TestSixSeatGameWithARescue(t *testing.T) {
	s, v := rescueTable(t, 1)
	snap := s.Snapshot()

	ids := []PlayerID{"p0", "p1", "p2", "p3", "p4", "p5"}
	seats := slices.Clone(snap.SeatOrder)
	slices.Sort(seats)
	if !slices.Equal(seats, ids) {
		t.Errorf("seat order %v is not a permutation of %v", snap.SeatOrder, ids)
	}

	told := make(map[PlayerID]bool)
	v.mu.Lock()
	for _, w := range v.whispers {
		if w.prompt.Kind == PromptInfo && strings.HasPrefix(w.prompt.Text, "🎭 You are the") {
			told[w.to] = true
		}
	}
	v.mu.Unlock()
	if len(told) != 6 {
		t.Errorf("%d players learned their role, want 6", len(told))
	}

	if len(v.prompted("witch_heal")) == 0 {
		t.Fatal("witch was never offered the heal")
	}
	for _, d := range snap.DeathLog {
		if d.Night == 1 && d.Cause == CauseWolves {
			t.Errorf("night 1 victim %s died despite the heal", d.PlayerID)
		}
	}
	if !v.said(ScopeMain, "Nobody died tonight") {
		t.Error("quiet first night not announced")
	}
}

func TestSixSeatGameTieSplitsEvenly(t *testing.T) {
	const runs = 200
	wolfOut := 0
	for seed := range uint64(runs) {
		s, _ := rescueTable(t, seed)
		snap := s.Snapshot()
		for _, d := range snap.DeathLog {
			if d.Night != 1 || d.Cause != CauseVillage {
				continue
			}
			for _, p := range snap.Players {
				if p.ID == d.PlayerID && p.RoleKey == "werewolf" {
					wolfOut++
				}
			}
		}
	}
	if wolfOut < runs*35/100 || wolfOut > runs*65/100 {
		t.Errorf("the wolf lost %d of %d tied votes, want roughly half", wolfOut, runs)
	}
}

func TestTellGivesUpOnAStuckVenue(t *testing.T) {
	old := tellTimeout
	tellTimeout = 20 * time.Millisecond
	t.Cleanup(func() { tellTimeout = old })

	v := &stuckVenue{fakeVenue: newFakeVenue(), release: make(chan struct{})}
	defer close(v.release)
	s := seatedSession(t, v.fakeVenue, testOptions(), "werewolf", "villager", "villager", "villager")
	s.venue = v

	done := make(chan struct{})
	go func() {
		s.tell(context.Background(), "p1", "hello")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tell blocked on a venue that ignores its context")
	}
}

func TestRunHaltsOnCancel(t *testing.T) {
	v := newFakeVenue()
	s := seatedSession(t, v, testOptions(), "werewolf", "villager", "villager", "villager")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := s.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if outcome.Kind != "" {
		t.Errorf("halted game has a winner: %+v", outcome)
	}
	if s.State() != StateEnded || v.released != 1 {
		t.Errorf("state %s, released %d", s.State(), v.released)
	}
	if !v.said(ScopeMain, "The game was stopped") {
		t.Error("halt not announced")
	}
}

func TestRunHaltsOnAnUnknownRole(t *testing.T) {
	v := newFakeVenue()
	s := seatedSession(t, v, testOptions(), "werewolf", "villager", "villager", "villager")
	s.players[2].RoleKey = "vampire"

	outcome, err := s.Run(context.Background())
	if !errors.Is(err, ErrInvariant) {
		t.Fatalf("err = %v, want ErrInvariant", err)
	}
	if outcome.Kind != "" || s.State() != StateEnded {
		t.Errorf("outcome %+v, state %s", outcome, s.State())
	}
	if !v.said(ScopeMain, "internal error") {
		t.Error("fatal halt not announced")
	}
}

func TestNightEndsOnAnUnknownRole(t *testing.T) {
	v := newFakeVenue()
	v.ballots = votesFor(ScopeWolves, "p1")
	s := seatedSession(t, v, testOptions(), "werewolf", "villager", "villager", "villager")
	s.players[3].RoleKey = "vampire"

	if err := s.runNight(context.Background()); !errors.Is(err, ErrInvariant) {
		t.Fatalf("err = %v, want ErrInvariant", err)
	}
	if len(s.Snapshot().DeathLog) != 0 {
		t.Error("night kills applied after the roster broke")
	}
}

func TestRunRequiresAStartedGame(t *testing.T) {
	opts := testOptions()
	s := NewSession("v", "h", SessionDeps{Venue: newFakeVenue(), Options: &opts})
	if _, err := s.Run(context.Background()); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("err = %v, want ErrIllegalTransition", err)
	}
}

func TestSnapshotHidesSecretsFromThePublic(t *testing.T) {
	v := newFakeVenue()
	s := seatedSession(t, v, testOptions(), "werewolf", "seer", "villager", "villager")
	if err := s.linkLovers("p2", "p3", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.kill(context.Background(), "p1", CauseWolves); err != nil {
		t.Fatal(err)
	}

	pub := s.Snapshot().public()
	for _, p := range pub.Players {
		switch {
		case p.ID == "p1" && p.RoleKey != "seer":
			t.Error("dead seer's role hidden under the on-death policy")
		case p.ID != "p1" && p.RoleKey != "":
			t.Errorf("living %s's role leaked", p.Name)
		}
	}
	if len(pub.Couple) != 0 {
		t.Error("lovers leaked")
	}
	if s.Snapshot().Players[0].RoleKey != "werewolf" {
		t.Error("public view mutated the snapshot")
	}
}
