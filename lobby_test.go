package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func newTestRegistry(v *fakeVenue) *LobbyRegistry {
	return NewLobbyRegistry(func(venueID string) SessionDeps {
		opts := testOptions()
		return SessionDeps{Venue: v, Rand: testRand(), Options: &opts}
	})
}

func TestRegistryOneSessionPerVenue(t *testing.T) {
	r := newTestRegistry(newFakeVenue())
	ctx := context.Background()

	if _, err := r.Create(ctx, "room", "h", "Host"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create(ctx, "room", "x", "Other"); !errors.Is(err, ErrSessionExists) {
		t.Errorf("second create: err = %v", err)
	}
	if _, err := r.Get("elsewhere"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("get unknown: err = %v", err)
	}
	s, err := r.Get("room")
	if err != nil {
		t.Fatal(err)
	}
	if snap := s.Snapshot(); len(snap.Players) != 1 || snap.Players[0].ID != "h" {
		t.Errorf("host not seated: %+v", snap.Players)
	}
}

func TestJoinAndLeave(t *testing.T) {
	v := newFakeVenue()
	r := newTestRegistry(v)
	ctx := context.Background()
	s, err := r.Create(ctx, "room", "h", "Host")
	if err != nil {
		t.Fatal(err)
	}

	for _, id := range []PlayerID{"b", "c", "c"} {
		if err := s.Join(ctx, id, strings.ToUpper(string(id))); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(s.Snapshot().Players); n != 3 {
		t.Errorf("%d players after a double join, want 3", n)
	}
	if mode, _ := v.accessOf(ScopeMain, "b"); mode != AccessReadWrite {
		t.Error("joined player cannot talk at the table")
	}

	if _, err := s.Leave(ctx, "h"); err != nil {
		t.Fatal(err)
	}
	if s.Host != "b" {
		t.Errorf("host = %q after the host left, want b", s.Host)
	}
	if !strings.Contains(s.Table(), "B (host)") {
		t.Errorf("table = %q", s.Table())
	}
	s.Leave(ctx, "b")
	empty, err := s.Leave(ctx, "c")
	if err != nil || !empty {
		t.Errorf("last leave: empty=%v err=%v", empty, err)
	}
}

func TestJoinRejectsAFullTable(t *testing.T) {
	r := newTestRegistry(newFakeVenue())
	ctx := context.Background()
	s, _ := r.Create(ctx, "room", "p0", "Alice")
	for i := 1; i < 4; i++ {
		s.Join(ctx, PlayerID(fmt.Sprintf("p%d", i)), testNames[i])
	}
	if err := s.Configure(ctx, "p0", ConfigRequest{Total: 4, Counts: map[string]int{"werewolf": 1}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Join(ctx, "late", "Late"); !errors.Is(err, ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration", err)
	}
}

func TestKickIsHostOnly(t *testing.T) {
	v := newFakeVenue()
	r := newTestRegistry(v)
	ctx := context.Background()
	s, _ := r.Create(ctx, "room", "h", "Host")
	s.Join(ctx, "b", "Bob")
	s.Join(ctx, "c", "Carol")

	if err := s.Kick(ctx, "b", "c"); !errors.Is(err, ErrNotHost) {
		t.Errorf("kick by guest: err = %v", err)
	}
	if err := s.Kick(ctx, "h", "h"); !errors.Is(err, ErrConfiguration) {
		t.Errorf("self kick: err = %v", err)
	}
	if err := s.Kick(ctx, "h", "c"); err != nil {
		t.Fatal(err)
	}
	if _, ok := v.accessOf(ScopeMain, "c"); ok {
		t.Error("kicked player kept table access")
	}
	if n := len(s.Snapshot().Players); n != 2 {
		t.Errorf("%d players after kick", n)
	}
}

func TestConfigureValidates(t *testing.T) {
	r := newTestRegistry(newFakeVenue())
	ctx := context.Background()
	s, _ := r.Create(ctx, "room", "h", "Host")

	bad := RevealPolicy("sometimes")
	tests := []struct {
		name string
		by   PlayerID
		req  ConfigRequest
		want error
	}{
		{"guest", "b", ConfigRequest{Total: 5}, ErrNotHost},
		{"too small", "h", ConfigRequest{Total: 3}, ErrConfiguration},
		{"too many roles", "h", ConfigRequest{Total: 4, Counts: map[string]int{"werewolf": 5}}, ErrConfiguration},
		{"unknown policy", "h", ConfigRequest{Total: 5, Reveal: &bad}, ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Configure(ctx, tt.by, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if snap := s.Snapshot(); snap.Total != 0 || snap.Reveal != RevealOnDeath {
		t.Errorf("rejected configs changed the session: %+v", snap)
	}

	never, chatty := RevealNever, SeerChatty
	if err := s.Configure(ctx, "h", ConfigRequest{
		Total:    6,
		Counts:   map[string]int{"werewolf": 2, "seer": 1, "chatty_seer": 1},
		Reveal:   &never,
		SeerMode: &chatty,
	}); err != nil {
		t.Fatal(err)
	}
	if snap := s.Snapshot(); snap.Total != 6 || snap.Reveal != RevealNever {
		t.Errorf("config not applied: %+v", snap)
	}
}

func TestStopAbandonsALobby(t *testing.T) {
	v := newFakeVenue()
	r := newTestRegistry(v)
	ctx := context.Background()
	s, _ := r.Create(ctx, "room", "h", "Host")

	if err := r.Stop(ctx, "room", "b"); !errors.Is(err, ErrNotHost) {
		t.Errorf("guest stop: err = %v", err)
	}
	if err := r.Stop(ctx, "room", "h"); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 0 || s.State() != StateEnded || v.released != 1 {
		t.Errorf("len=%d state=%s released=%d", r.Len(), s.State(), v.released)
	}
}

func TestLaunchRunsAndStopHaltsTheGame(t *testing.T) {
	v := newFakeVenue()
	v.ballotDelay = 5 * time.Millisecond
	r := newTestRegistry(v)
	ctx := context.Background()
	s, _ := r.Create(ctx, "room", "p0", "Alice")
	for i := 1; i < 5; i++ {
		s.Join(ctx, PlayerID(fmt.Sprintf("p%d", i)), testNames[i])
	}
	if err := s.Configure(ctx, "p0", ConfigRequest{Total: 5, Counts: map[string]int{"werewolf": 1}}); err != nil {
		t.Fatal(err)
	}

	if err := r.Launch(ctx, "room", "p1"); !errors.Is(err, ErrNotHost) {
		t.Errorf("guest launch: err = %v", err)
	}
	if err := r.Launch(ctx, "room", "p0"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "the first night", func() bool { return s.State() == StateNight || s.State() == StateDay })

	if err := r.Stop(ctx, "room", "p0"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "the session to leave the registry", func() bool { return r.Len() == 0 })
	if s.State() != StateEnded {
		t.Errorf("state = %s", s.State())
	}
	if s.Snapshot().Outcome != nil {
		t.Error("a stopped game has an outcome")
	}
	r.StopAll()
}
