package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
)

// Join seats a player in the lobby. Joining twice is harmless.
func (s *Session) Join(ctx context.Context, id PlayerID, name string) error {
	s.mu.Lock()
	if s.state != StateLobby {
		s.mu.Unlock()
		return fmt.Errorf("%w: the game has already started", ErrIllegalTransition)
	}
	if s.player(id) != nil {
		s.mu.Unlock()
		return nil
	}
	if s.total > 0 && len(s.players) >= s.total {
		s.mu.Unlock()
		return fmt.Errorf("%w: the table is full (%d players)", ErrConfiguration, s.total)
	}
	s.players = append(s.players, &Player{ID: id, Name: name})
	count, total := len(s.players), s.total
	s.mu.Unlock()

	s.grant(ctx, ScopeMain, AccessReadWrite, id)
	s.announce(ctx, ScopeMain, fmt.Sprintf("%s joined the game (%d/%d).", name, count, total))
	log.Printf("Player %s (%s) joined lobby %s", id, name, s.VenueID)
	return nil
}

// Leave removes a player from the lobby. If the host leaves, the next player
// in join order becomes host. empty reports whether nobody is left.
func (s *Session) Leave(ctx context.Context, id PlayerID) (empty bool, err error) {
	s.mu.Lock()
	if s.state != StateLobby {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: cannot leave a running game", ErrIllegalTransition)
	}
	p := s.removePlayer(id)
	if p == nil {
		s.mu.Unlock()
		return false, nil
	}
	if s.Host == id && len(s.players) > 0 {
		s.Host = s.players[0].ID
	}
	host, empty := s.Host, len(s.players) == 0
	s.mu.Unlock()

	s.revoke(ctx, ScopeMain, id)
	if !empty {
		s.announce(ctx, ScopeMain, fmt.Sprintf("%s left the game. %s is the host.", p.Name, s.hostName(host)))
	}
	return empty, nil
}

// Kick removes target from the lobby. Host only.
func (s *Session) Kick(ctx context.Context, by, target PlayerID) error {
	s.mu.Lock()
	if s.state != StateLobby {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot kick from a running game", ErrIllegalTransition)
	}
	if by != s.Host {
		s.mu.Unlock()
		return ErrNotHost
	}
	if target == s.Host {
		s.mu.Unlock()
		return fmt.Errorf("%w: the host cannot kick themselves", ErrConfiguration)
	}
	p := s.removePlayer(target)
	s.mu.Unlock()
	if p == nil {
		return fmt.Errorf("%w: %s is not in this game", ErrConfiguration, target)
	}

	s.revoke(ctx, ScopeMain, target)
	s.tell(ctx, target, "You were removed from the game by the host.")
	s.announce(ctx, ScopeMain, fmt.Sprintf("%s was removed by the host.", p.Name))
	return nil
}

// removePlayer drops id from the roster; mu must be held.
func (s *Session) removePlayer(id PlayerID) *Player {
	for i, p := range s.players {
		if p.ID == id {
			s.players = append(s.players[:i], s.players[i+1:]...)
			return p
		}
	}
	return nil
}

func (s *Session) hostName(host PlayerID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name(host)
}

// ConfigRequest is a host's configuration command. Nil options keep their
// current value.
type ConfigRequest struct {
	Total              int            `json:"total"`
	Counts             map[string]int `json:"counts"`
	Reveal             *RevealPolicy  `json:"reveal,omitempty"`
	SeerMode           *SeerMode      `json:"seer_mode,omitempty"`
	Cupid              *CupidOptions  `json:"cupid,omitempty"`
	CompositionVisible *bool          `json:"composition_visible,omitempty"`
}

// Configure validates and stores the table size, role counts and options.
// Nothing changes if the request is rejected.
func (s *Session) Configure(ctx context.Context, by PlayerID, req ConfigRequest) error {
	s.mu.Lock()
	if s.state != StateLobby {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot configure a running game", ErrIllegalTransition)
	}
	if by != s.Host {
		s.mu.Unlock()
		return ErrNotHost
	}

	opts := s.options
	if req.Reveal != nil {
		switch *req.Reveal {
		case RevealOnDeath, RevealAtEnd, RevealNever:
			opts.RevealPolicy = *req.Reveal
		default:
			s.mu.Unlock()
			return fmt.Errorf("%w: unknown reveal policy %q", ErrConfiguration, *req.Reveal)
		}
	}
	if req.SeerMode != nil {
		switch *req.SeerMode {
		case SeerClassic, SeerChatty, SeerNone:
			opts.SeerMode = *req.SeerMode
		default:
			s.mu.Unlock()
			return fmt.Errorf("%w: unknown seer mode %q", ErrConfiguration, *req.SeerMode)
		}
	}
	if req.Cupid != nil {
		opts.Cupid = *req.Cupid
	}
	if req.CompositionVisible != nil {
		opts.CompositionVisible = *req.CompositionVisible
	}
	if req.Total < len(s.players) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d players already joined, cannot shrink the table to %d", ErrConfiguration, len(s.players), req.Total)
	}

	prev := s.options
	s.options = opts
	_, err := composeRoles(s.catalog, req.Counts, req.Total, s.preferences())
	if err != nil {
		s.options = prev
		s.mu.Unlock()
		return err
	}
	s.total = req.Total
	s.roleCounts = make(map[string]int, len(req.Counts))
	for k, v := range req.Counts {
		s.roleCounts[k] = v
	}
	summary := s.configSummary()
	s.mu.Unlock()

	s.announce(ctx, ScopeMain, "⚙ "+summary)
	return nil
}

// configSummary describes the current configuration; mu must be held.
func (s *Session) configSummary() string {
	var roles []string
	for _, key := range s.catalog.Configurable() {
		if n := s.roleCounts[key]; n > 0 {
			roles = append(roles, fmt.Sprintf("%d %s", n, s.catalog.Label(key)))
		}
	}
	if len(roles) == 0 {
		roles = append(roles, "only "+s.catalog.Label(s.catalog.Base()))
	}
	return fmt.Sprintf("%d players: %s. Reveal: %s, seer: %s.",
		s.total, strings.Join(roles, ", "), s.options.RevealPolicy, s.options.SeerMode)
}

// Table lists the seats: join order in the lobby, seat order afterwards.
func (s *Session) Table() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	if s.state == StateLobby {
		fmt.Fprintf(&b, "Lobby %s (%d/%d):", s.VenueID, len(s.players), s.total)
		for _, p := range s.players {
			b.WriteString("\n- " + p.Name)
			if p.ID == s.Host {
				b.WriteString(" (host)")
			}
		}
		return b.String()
	}

	fmt.Fprintf(&b, "Table %s, %s %d:", s.VenueID, s.state, s.nightIndex)
	for _, id := range s.seatOrder {
		p := s.player(id)
		mark := "🙂"
		if !p.Alive {
			mark = "💀"
		}
		fmt.Fprintf(&b, "\n%d. %s %s", p.Seat+1, mark, p.Name)
		if !p.Alive && s.options.RevealPolicy == RevealOnDeath {
			fmt.Fprintf(&b, " (%s)", s.catalog.Label(p.RoleKey))
		}
		if !p.CanVote && p.Alive {
			b.WriteString(" (cannot vote)")
		}
	}
	return b.String()
}

// abandon ends a session that never started.
func (s *Session) abandon(ctx context.Context) {
	s.update(func() { s.state = StateEnded })
	s.announce(ctx, ScopeMain, "The game was cancelled by the host.")
	s.release(ctx)
}

// LobbyRegistry maps venue ids to their sessions. At most one session per venue.
type LobbyRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*lobbyEntry
	deps     func(venueID string) SessionDeps
	wg       sync.WaitGroup
}

type lobbyEntry struct {
	session *Session
	cancel  context.CancelFunc
}

func NewLobbyRegistry(deps func(venueID string) SessionDeps) *LobbyRegistry {
	return &LobbyRegistry{
		sessions: make(map[string]*lobbyEntry),
		deps:     deps,
	}
}

// Create opens a lobby at venueID with host already seated.
func (r *LobbyRegistry) Create(ctx context.Context, venueID string, host PlayerID, hostName string) (*Session, error) {
	r.mu.Lock()
	if _, ok := r.sessions[venueID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, venueID)
	}
	s := NewSession(venueID, host, r.deps(venueID))
	r.sessions[venueID] = &lobbyEntry{session: s}
	r.mu.Unlock()

	if err := s.Join(ctx, host, hostName); err != nil {
		r.Remove(venueID)
		return nil, err
	}
	log.Printf("Lobby %s created by %s", venueID, hostName)
	return s, nil
}

func (r *LobbyRegistry) Get(venueID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[venueID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, venueID)
	}
	return e.session, nil
}

func (r *LobbyRegistry) Remove(venueID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, venueID)
}

func (r *LobbyRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Launch starts the game at venueID and runs it in the background under base.
// The session leaves the registry when the game ends.
func (r *LobbyRegistry) Launch(base context.Context, venueID string, by PlayerID) error {
	r.mu.Lock()
	e, ok := r.sessions[venueID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, venueID)
	}
	if err := e.session.Start(by); err != nil {
		r.mu.Unlock()
		return err
	}
	ctx, cancel := context.WithCancel(base)
	e.cancel = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer cancel()
		outcome, err := e.session.Run(ctx)
		if err != nil {
			log.Printf("Game %s ended without a winner: %v", venueID, err)
		} else {
			log.Printf("Game %s won by %s", venueID, outcome.Kind)
		}
		r.Remove(venueID)
	}()
	return nil
}

// Stop aborts the session at venueID. Host only.
func (r *LobbyRegistry) Stop(ctx context.Context, venueID string, by PlayerID) error {
	r.mu.Lock()
	e, ok := r.sessions[venueID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, venueID)
	}
	e.session.mu.Lock()
	host := e.session.Host
	e.session.mu.Unlock()
	if by != host {
		r.mu.Unlock()
		return ErrNotHost
	}
	cancel := e.cancel
	if cancel == nil {
		delete(r.sessions, venueID)
	}
	r.mu.Unlock()

	if cancel != nil {
		// Run notices at its next suspension point, then halts and releases
		cancel()
		return nil
	}
	e.session.abandon(ctx)
	return nil
}

// StopAll cancels every running game and waits for them to release their venues.
func (r *LobbyRegistry) StopAll() {
	r.mu.Lock()
	for _, e := range r.sessions {
		if e.cancel != nil {
			e.cancel()
		}
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// userMessage turns an engine error into something a player can read.
func userMessage(err error) string {
	switch {
	case errors.Is(err, ErrNotHost):
		return "Only the host can do that"
	case errors.Is(err, ErrUnknownSession):
		return "There is no game here. Create one first"
	case errors.Is(err, ErrSessionExists):
		return "A game already exists here"
	case errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrConfiguration):
		return err.Error()
	}
	return "Something went wrong"
}

func (s *Server) handleWSCreate(client *Client, msg WSMessage) {
	if _, err := s.lobbies.Create(s.ctx, msg.Venue, client.playerID, client.name); err != nil {
		DebugLog("handleWSCreate", "Player '%s' could not create %s: %v", client.name, msg.Venue, err)
		sendErrorToast(s.hub, client.playerID, userMessage(err))
		return
	}
	sendToast(s.hub, client.playerID, "success", "Game created. You are the host.")
}

func (s *Server) handleWSJoin(client *Client, msg WSMessage) {
	sess, err := s.lobbies.Get(msg.Venue)
	if err == nil {
		err = sess.Join(s.ctx, client.playerID, client.name)
	}
	if err != nil {
		DebugLog("handleWSJoin", "Player '%s' could not join %s: %v", client.name, msg.Venue, err)
		sendErrorToast(s.hub, client.playerID, userMessage(err))
	}
}

func (s *Server) handleWSLeave(client *Client, msg WSMessage) {
	sess, err := s.lobbies.Get(msg.Venue)
	if err != nil {
		sendErrorToast(s.hub, client.playerID, userMessage(err))
		return
	}
	empty, err := sess.Leave(s.ctx, client.playerID)
	if err != nil {
		sendErrorToast(s.hub, client.playerID, userMessage(err))
		return
	}
	if empty {
		s.lobbies.Remove(msg.Venue)
		sess.release(s.ctx)
		log.Printf("Lobby %s closed, everybody left", msg.Venue)
	}
}

func (s *Server) handleWSKick(client *Client, msg WSMessage) {
	sess, err := s.lobbies.Get(msg.Venue)
	if err == nil {
		err = sess.Kick(s.ctx, client.playerID, PlayerID(msg.Target))
	}
	if err != nil {
		sendErrorToast(s.hub, client.playerID, userMessage(err))
	}
}

func (s *Server) handleWSConfig(client *Client, msg WSMessage) {
	if msg.Config == nil {
		sendErrorToast(s.hub, client.playerID, "Missing configuration")
		return
	}
	sess, err := s.lobbies.Get(msg.Venue)
	if err == nil {
		err = sess.Configure(s.ctx, client.playerID, *msg.Config)
	}
	if err != nil {
		DebugLog("handleWSConfig", "Rejected config from '%s' for %s: %v", client.name, msg.Venue, err)
		sendErrorToast(s.hub, client.playerID, userMessage(err))
	}
}

func (s *Server) handleWSStart(client *Client, msg WSMessage) {
	if err := s.lobbies.Launch(s.ctx, msg.Venue, client.playerID); err != nil {
		log.Printf("Cannot start %s: %v", msg.Venue, err)
		sendErrorToast(s.hub, client.playerID, userMessage(err))
		return
	}
	DebugLog("handleWSStart", "Game %s started by '%s'", msg.Venue, client.name)
}

func (s *Server) handleWSTable(client *Client, msg WSMessage) {
	sess, err := s.lobbies.Get(msg.Venue)
	if err != nil {
		sendErrorToast(s.hub, client.playerID, userMessage(err))
		return
	}
	s.hub.sendEvent(client.playerID, WSEvent{
		Type:  "table",
		Venue: msg.Venue,
		Text:  sess.Table(),
		Data:  sess.Snapshot().public(),
	})
}

func (s *Server) handleWSStop(client *Client, msg WSMessage) {
	if err := s.lobbies.Stop(s.ctx, msg.Venue, client.playerID); err != nil {
		sendErrorToast(s.hub, client.playerID, userMessage(err))
	}
}
