package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// writeWait bounds a single websocket write.
const writeWait = 10 * time.Second

// WSMessage represents a message from the client
type WSMessage struct {
	Action   string         `json:"action"`
	Venue    string         `json:"venue,omitempty"`
	Target   string         `json:"target,omitempty"`
	PromptID string         `json:"prompt_id,omitempty"`
	BallotID string         `json:"ballot_id,omitempty"`
	Values   []string       `json:"values,omitempty"`
	Confirm  bool           `json:"confirm,omitempty"`
	Text     string         `json:"text,omitempty"`
	Scope    string         `json:"scope,omitempty"`
	Config   *ConfigRequest `json:"config,omitempty"`
}

// WSEvent is a message to the client. Type is one of announce, prompt, ballot,
// chat, relay, access, toast or table.
type WSEvent struct {
	Type     string     `json:"type"`
	Venue    string     `json:"venue,omitempty"`
	Scope    Scope      `json:"scope,omitempty"`
	From     string     `json:"from,omitempty"`
	Text     string     `json:"text,omitempty"`
	ID       string     `json:"id,omitempty"`
	Action   string     `json:"action,omitempty"`
	Kind     PromptKind `json:"kind,omitempty"`
	Choices  []Choice   `json:"choices,omitempty"`
	Min      int        `json:"min,omitempty"`
	Max      int        `json:"max,omitempty"`
	Deadline int64      `json:"deadline,omitempty"` // unix milliseconds
	Mode     AccessMode `json:"mode,omitempty"`
	Level    string     `json:"level,omitempty"`
	Data     any        `json:"data,omitempty"`
}

// Choice is a selectable player in a prompt or ballot.
type Choice struct {
	ID   PlayerID `json:"id"`
	Name string   `json:"name"`
}

// Client represents a websocket connection with player info
type Client struct {
	conn     *websocket.Conn
	playerID PlayerID
	name     string
	writeMu  sync.Mutex // Serialize writes to WebSocket (required by gorilla/websocket)
}

func (c *Client) write(message []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

// Hub tracks connected players and the private channels, prompts and ballots of
// every venue. A venue's view of the hub is a hubVenue.
type Hub struct {
	clients    map[*websocket.Conn]*Client
	register   chan *Client
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	done       chan struct{}
	wg         sync.WaitGroup

	roomsMu sync.Mutex
	rooms   map[string]*room
	names   func(PlayerID) string
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]*Client),
		register:   make(chan *Client),
		unregister: make(chan *websocket.Conn, 64),
		done:       make(chan struct{}),
		rooms:      make(map[string]*room),
	}
}

// stop signals the hub goroutine to exit and waits for it to finish
func (h *Hub) stop() {
	close(h.done)
	h.wg.Wait()
}

func (h *Hub) run() {
	h.wg.Add(1)
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.clients = make(map[*websocket.Conn]*Client)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.conn] = client
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client connected (player %s: %s). Total: %d", client.playerID, client.name, total)
			DebugLog("hub.register", "Player '%s' (ID: %s) connected via WebSocket", client.name, client.playerID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if client, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				DebugLog("hub.unregister", "Player '%s' (ID: %s) disconnected", client.name, client.playerID)
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client disconnected. Total: %d", total)
		}
	}
}

// connected reports whether the player has at least one open connection.
func (h *Hub) connected(playerID PlayerID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.playerID == playerID {
			return true
		}
	}
	return false
}

// sendToPlayer writes to every connection of a player. It fails with
// ErrDeliveryFailure when no connection accepted the message.
func (h *Hub) sendToPlayer(playerID PlayerID, message []byte) error {
	h.mu.RLock()
	var targets []*Client
	for _, client := range h.clients {
		if client.playerID == playerID {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	delivered := false
	for _, client := range targets {
		LogWSMessage("OUT", client.name, string(message))
		if err := client.write(message); err != nil {
			log.Printf("WebSocket write error to player %s: %v", playerID, err)
			continue
		}
		delivered = true
	}
	if !delivered {
		return fmt.Errorf("%w: player %s is not connected", ErrDeliveryFailure, playerID)
	}
	return nil
}

func (h *Hub) sendEvent(playerID PlayerID, ev WSEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return h.sendToPlayer(playerID, data)
}

func (h *Hub) nameOf(id PlayerID) string {
	if h.names != nil {
		if n := h.names(id); n != "" {
			return n
		}
	}
	return string(id)
}

func (h *Hub) choices(ids []PlayerID) []Choice {
	out := make([]Choice, len(ids))
	for i, id := range ids {
		out[i] = Choice{ID: id, Name: h.nameOf(id)}
	}
	return out
}

type pendingPrompt struct {
	player PlayerID
	kind   PromptKind
	reply  chan Reply
}

type openBallot struct {
	scope      Scope
	voters     map[PlayerID]bool
	candidates map[PlayerID]bool
	votes      map[PlayerID]PlayerID
}

type relay struct {
	source    Scope
	listener  PlayerID
	transform RelayTransform
}

// room is the hub state of one venue.
type room struct {
	mu      sync.Mutex
	access  map[Scope]map[PlayerID]AccessMode
	prompts map[string]*pendingPrompt
	ballots map[string]*openBallot
	relays  map[string]*relay
}

func newRoom() *room {
	return &room{
		access:  make(map[Scope]map[PlayerID]AccessMode),
		prompts: make(map[string]*pendingPrompt),
		ballots: make(map[string]*openBallot),
		relays:  make(map[string]*relay),
	}
}

// room returns the state of venueID, creating it on first use.
func (h *Hub) room(venueID string) *room {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()
	r, ok := h.rooms[venueID]
	if !ok {
		r = newRoom()
		h.rooms[venueID] = r
	}
	return r
}

func (h *Hub) lookupRoom(venueID string) (*room, bool) {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()
	r, ok := h.rooms[venueID]
	return r, ok
}

func (r *room) members(scope Scope) []PlayerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []PlayerID
	for id := range r.access[scope] {
		ids = append(ids, id)
	}
	return ids
}

// listeners returns the relays subscribed to scope.
func (r *room) listeners(scope Scope) []relay {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []relay
	for _, rl := range r.relays {
		if rl.source == scope {
			out = append(out, *rl)
		}
	}
	return out
}

// Venue returns the Venue a session hosted at venueID talks through.
func (h *Hub) Venue(venueID string) Venue {
	h.room(venueID)
	return &hubVenue{hub: h, venueID: venueID}
}

type hubVenue struct {
	hub     *Hub
	venueID string
}

func (v *hubVenue) Announce(ctx context.Context, scope Scope, text string) error {
	r := v.hub.room(v.venueID)
	LogEvent(v.venueID, scope, text)
	ev := WSEvent{Type: "announce", Venue: v.venueID, Scope: scope, Text: text}
	for _, id := range r.members(scope) {
		if err := v.hub.sendEvent(id, ev); err != nil {
			DebugLog("hubVenue.Announce", "%s: %v", v.venueID, err)
		}
	}
	v.hub.forward(v.venueID, r, scope, "", text)
	return nil
}

func (v *hubVenue) Whisper(ctx context.Context, to PlayerID, p Prompt) (Reply, error) {
	ev := WSEvent{
		Type:    "prompt",
		Venue:   v.venueID,
		Action:  p.Action,
		Kind:    p.Kind,
		Text:    p.Text,
		Choices: v.hub.choices(p.Choices),
		Min:     p.Min,
		Max:     p.Max,
	}
	if p.Kind == PromptInfo {
		return Reply{}, v.hub.sendEvent(to, ev)
	}

	r := v.hub.room(v.venueID)
	id := uuid.NewString()
	pending := &pendingPrompt{player: to, kind: p.Kind, reply: make(chan Reply, 1)}
	r.mu.Lock()
	r.prompts[id] = pending
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.prompts, id)
		r.mu.Unlock()
	}()

	ev.ID = id
	if deadline, ok := ctx.Deadline(); ok {
		ev.Deadline = deadline.UnixMilli()
	}
	if err := v.hub.sendEvent(to, ev); err != nil {
		return Reply{}, err
	}

	select {
	case reply := <-pending.reply:
		return reply, nil
	case <-ctx.Done():
		return Reply{}, ErrNoResponse
	}
}

func (v *hubVenue) OpenBallot(ctx context.Context, b Ballot) (map[PlayerID]PlayerID, error) {
	r := v.hub.room(v.venueID)
	id := uuid.NewString()
	ob := &openBallot{
		scope:      b.Scope,
		voters:     make(map[PlayerID]bool, len(b.Voters)),
		candidates: make(map[PlayerID]bool, len(b.Candidates)),
		votes:      make(map[PlayerID]PlayerID),
	}
	for _, p := range b.Voters {
		ob.voters[p] = true
	}
	for _, p := range b.Candidates {
		ob.candidates[p] = true
	}
	r.mu.Lock()
	r.ballots[id] = ob
	r.mu.Unlock()

	ev := WSEvent{
		Type:     "ballot",
		Venue:    v.venueID,
		Scope:    b.Scope,
		ID:       id,
		Text:     b.Title,
		Choices:  v.hub.choices(b.Candidates),
		Deadline: time.Now().Add(b.Duration).UnixMilli(),
	}
	for _, voter := range b.Voters {
		if err := v.hub.sendEvent(voter, ev); err != nil {
			DebugLog("hubVenue.OpenBallot", "%s: %v", v.venueID, err)
		}
	}

	timer := time.NewTimer(b.Duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	r.mu.Lock()
	delete(r.ballots, id)
	votes := make(map[PlayerID]PlayerID, len(ob.votes))
	for voter, choice := range ob.votes {
		votes[voter] = choice
	}
	r.mu.Unlock()
	return votes, nil
}

func (v *hubVenue) GrantAccess(ctx context.Context, scope Scope, mode AccessMode, ids ...PlayerID) error {
	r := v.hub.room(v.venueID)
	r.mu.Lock()
	if r.access[scope] == nil {
		r.access[scope] = make(map[PlayerID]AccessMode)
	}
	for _, id := range ids {
		r.access[scope][id] = mode
	}
	r.mu.Unlock()
	for _, id := range ids {
		v.hub.sendEvent(id, WSEvent{Type: "access", Venue: v.venueID, Scope: scope, Mode: mode})
	}
	return nil
}

func (v *hubVenue) RevokeAccess(ctx context.Context, scope Scope, ids ...PlayerID) error {
	r := v.hub.room(v.venueID)
	r.mu.Lock()
	for _, id := range ids {
		delete(r.access[scope], id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		v.hub.sendEvent(id, WSEvent{Type: "access", Venue: v.venueID, Scope: scope})
	}
	return nil
}

func (v *hubVenue) Relay(ctx context.Context, source Scope, listener PlayerID, transform RelayTransform) (func(), error) {
	r := v.hub.room(v.venueID)
	id := uuid.NewString()
	r.mu.Lock()
	r.relays[id] = &relay{source: source, listener: listener, transform: transform}
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.relays, id)
		r.mu.Unlock()
	}, nil
}

func (v *hubVenue) Release(ctx context.Context) error {
	v.hub.roomsMu.Lock()
	r, ok := v.hub.rooms[v.venueID]
	delete(v.hub.rooms, v.venueID)
	v.hub.roomsMu.Unlock()
	if !ok {
		return nil
	}

	r.mu.Lock()
	seen := make(map[PlayerID]bool)
	for scope, members := range r.access {
		for id := range members {
			seen[id] = true
		}
		delete(r.access, scope)
	}
	r.mu.Unlock()
	for id := range seen {
		v.hub.sendEvent(id, WSEvent{Type: "access", Venue: v.venueID, Scope: ScopeMain})
	}
	return nil
}

// forward copies a message posted in scope to every relay listening on it.
func (h *Hub) forward(venueID string, r *room, scope Scope, from PlayerID, text string) {
	for _, rl := range r.listeners(scope) {
		out := text
		if rl.transform != nil {
			out = rl.transform(from, text)
		}
		if out == "" {
			continue
		}
		if err := h.sendEvent(rl.listener, WSEvent{Type: "relay", Venue: venueID, Scope: scope, Text: out}); err != nil {
			DebugLog("hub.forward", "%s: %v", venueID, err)
		}
	}
}

var (
	errNoSuchPrompt = errors.New("this question is no longer open")
	errNoSuchBallot = errors.New("this vote is closed")
	errNotAllowed   = errors.New("you cannot do that")
)

// reply hands a player's answer to the prompt waiting for it.
func (h *Hub) reply(venueID string, from PlayerID, promptID string, rep Reply) error {
	r, ok := h.lookupRoom(venueID)
	if !ok {
		return errNoSuchPrompt
	}
	r.mu.Lock()
	pending, ok := r.prompts[promptID]
	r.mu.Unlock()
	if !ok {
		return errNoSuchPrompt
	}
	if pending.player != from {
		return errNotAllowed
	}
	select {
	case pending.reply <- rep:
		return nil
	default:
		return errNoSuchPrompt
	}
}

// vote records from's current choice on an open ballot. Later votes replace
// earlier ones.
func (h *Hub) vote(venueID string, from PlayerID, ballotID string, target PlayerID) error {
	r, ok := h.lookupRoom(venueID)
	if !ok {
		return errNoSuchBallot
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.ballots[ballotID]
	if !ok {
		return errNoSuchBallot
	}
	if !b.voters[from] || !b.candidates[target] {
		return errNotAllowed
	}
	b.votes[from] = target
	return nil
}

// chat posts text to a scope from a player with write access to it.
func (h *Hub) chat(venueID string, from PlayerID, scope Scope, text string) error {
	r, ok := h.lookupRoom(venueID)
	if !ok {
		return errNotAllowed
	}
	r.mu.Lock()
	mode := r.access[scope][from]
	r.mu.Unlock()
	if mode != AccessReadWrite {
		return errNotAllowed
	}

	LogEvent(venueID, scope, h.nameOf(from)+": "+text)
	ev := WSEvent{Type: "chat", Venue: venueID, Scope: scope, From: h.nameOf(from), Text: text}
	for _, id := range r.members(scope) {
		h.sendEvent(id, ev)
	}
	h.forward(venueID, r, scope, from, text)
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	playerID, name, err := s.playerFromRequest(r)
	if err != nil {
		DebugLog("handleWebSocket", "Rejected WebSocket connection - not logged in")
		http.Error(w, "Not logged in", http.StatusUnauthorized)
		return
	}
	DebugLog("handleWebSocket", "Player '%s' (ID: %s) initiating WebSocket connection", name, playerID)

	var upgrader = websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error for player %s (%s): %v", playerID, name, err)
		return
	}

	client := &Client{conn: conn, playerID: playerID, name: name}
	s.hub.register <- client

	go func() {
		defer func() {
			s.hub.unregister <- conn
		}()
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.handleWSMessage(client, message)
		}
	}()
}
