package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

// HistoryStore persists accounts, login sessions and the action log of every
// game. It is optional for the engine: a session without one simply forgets.
type HistoryStore struct {
	db *sqlx.DB
}

// OpenHistoryStore connects to a sqlite database and creates the schema.
func OpenHistoryStore(path string) (*HistoryStore, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", path, err)
	}
	// sqlite serialises writers anyway; one connection also keeps :memory: databases shared
	db.SetMaxOpenConns(1)
	h := &HistoryStore{db: db}
	if err := h.init(); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *HistoryStore) Close() error {
	return h.db.Close()
}

// Account is a registered player.
type Account struct {
	ID         string `db:"id"`
	Name       string `db:"name"`
	SecretCode string `db:"secret_code"`
}

// GameRecord is one row of the game table.
type GameRecord struct {
	ID         int64  `db:"id"`
	SessionID  string `db:"session_id"`
	VenueID    string `db:"venue_id"`
	Status     string `db:"status"` // setup, night, day, ended
	Round      int    `db:"round"`
	Winner     string `db:"winner"`
	RevealMode string `db:"reveal_mode"`
}

// GamePlayer is a seat of a recorded game.
type GamePlayer struct {
	GameID   int64  `db:"game_id"`
	PlayerID string `db:"player_id"`
	Name     string `db:"name"`
	RoleKey  string `db:"role_key"`
	Seat     int    `db:"seat"`
	IsAlive  bool   `db:"is_alive"`
}

// GameAction represents anything that happened during a game.
// Visibility determines who can read it back through /history:
//   - "public": everyone
//   - "team:werewolf": only the pack
//   - "actor": only the actor
//   - "resolved": hidden until the game has ended
type GameAction struct {
	ID             int64   `db:"id" json:"-"`
	GameID         int64   `db:"game_id" json:"-"`
	Round          int     `db:"round" json:"round"`
	Phase          string  `db:"phase" json:"phase"`
	ActorPlayerID  string  `db:"actor_player_id" json:"actor,omitempty"`
	ActionType     string  `db:"action_type" json:"type"`
	TargetPlayerID *string `db:"target_player_id" json:"target,omitempty"`
	Visibility     string  `db:"visibility" json:"-"`
	Description    string  `db:"description" json:"description"`
}

// Action types
const (
	ActionRoleDealt     = "role_dealt"
	ActionLoversLinked  = "lovers_linked"
	ActionProtect       = "protect"
	ActionInvestigate   = "investigate"
	ActionSpy           = "spy"
	ActionPackKill      = "pack_kill"
	ActionConvert       = "convert"
	ActionWitchHeal     = "witch_heal"
	ActionWitchPoison   = "witch_poison"
	ActionSoloKill      = "white_werewolf_kill"
	ActionCharm         = "charm"
	ActionGrowl         = "growl"
	ActionDayVote       = "day_vote"
	ActionIdiotRevealed = "idiot_revealed"
	ActionDeath         = "death"
	ActionStory         = "story"
	ActionGameOver      = "game_over"
)

// Visibility types
const (
	VisibilityPublic       = "public"
	VisibilityTeamWerewolf = "team:werewolf"
	VisibilityActor        = "actor"
	VisibilityResolved     = "resolved"
)

// canSeeAction determines if a viewer may read an action.
func canSeeAction(action GameAction, viewerID string, viewerIsWolf, gameOver bool) bool {
	if gameOver {
		return true
	}
	switch action.Visibility {
	case VisibilityPublic:
		return true
	case VisibilityTeamWerewolf:
		return viewerIsWolf
	case VisibilityActor:
		return viewerID != "" && viewerID == action.ActorPlayerID
	default:
		return false
	}
}

// ErrNameTaken is returned by CreateAccount when the name is already registered.
var ErrNameTaken = errors.New("name already taken")

func (h *HistoryStore) CreateAccount(ctx context.Context, id, name, secret string) error {
	_, err := h.db.ExecContext(ctx, "INSERT INTO player (id, name, secret_code) VALUES (?, ?, ?)", id, name, secret)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: %s", ErrNameTaken, name)
	}
	return err
}

// AccountByCredentials looks up a player by name and secret code.
func (h *HistoryStore) AccountByCredentials(ctx context.Context, name, secret string) (Account, error) {
	var a Account
	err := h.db.GetContext(ctx, &a, "SELECT id, name, secret_code FROM player WHERE name = ? AND secret_code = ?", name, secret)
	return a, err
}

func (h *HistoryStore) AccountByID(ctx context.Context, id string) (Account, error) {
	var a Account
	err := h.db.GetContext(ctx, &a, "SELECT id, name, secret_code FROM player WHERE id = ?", id)
	return a, err
}

func (h *HistoryStore) CreateLogin(ctx context.Context, token, playerID string) error {
	_, err := h.db.ExecContext(ctx, "INSERT INTO session (token, player_id) VALUES (?, ?)", token, playerID)
	return err
}

// PlayerForToken resolves a login token; ok is false for unknown tokens.
func (h *HistoryStore) PlayerForToken(ctx context.Context, token string) (string, bool) {
	var id string
	err := h.db.GetContext(ctx, &id, "SELECT player_id FROM session WHERE token = ?", token)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logError("PlayerForToken", err)
		}
		return "", false
	}
	return id, true
}

func (h *HistoryStore) DeleteLogin(ctx context.Context, token string) error {
	_, err := h.db.ExecContext(ctx, "DELETE FROM session WHERE token = ?", token)
	return err
}

// CreateGame stores a freshly dealt game and its roster in one transaction.
func (h *HistoryStore) CreateGame(ctx context.Context, g GameRecord, players []GamePlayer) (int64, error) {
	tx, err := h.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO game (session_id, venue_id, status, round, reveal_mode) VALUES (?, ?, ?, ?, ?)",
		g.SessionID, g.VenueID, g.Status, g.Round, g.RevealMode)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, p := range players {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO game_player (game_id, player_id, name, role_key, seat, is_alive) VALUES (?, ?, ?, ?, ?, ?)",
			id, p.PlayerID, p.Name, p.RoleKey, p.Seat, p.IsAlive)
		if err != nil {
			return 0, err
		}
	}
	return id, tx.Commit()
}

// UpdateGame records the current phase and round.
func (h *HistoryStore) UpdateGame(ctx context.Context, gameID int64, status string, round int) error {
	_, err := h.db.ExecContext(ctx, "UPDATE game SET status = ?, round = ? WHERE rowid = ?", status, round, gameID)
	return err
}

func (h *HistoryStore) FinishGame(ctx context.Context, gameID int64, winner string) error {
	_, err := h.db.ExecContext(ctx, "UPDATE game SET status = 'ended', winner = ? WHERE rowid = ?", winner, gameID)
	return err
}

// UpdatePlayer mirrors a seat's role and liveness.
func (h *HistoryStore) UpdatePlayer(ctx context.Context, gameID int64, playerID, roleKey string, alive bool) error {
	_, err := h.db.ExecContext(ctx,
		"UPDATE game_player SET role_key = ?, is_alive = ? WHERE game_id = ? AND player_id = ?",
		roleKey, alive, gameID, playerID)
	return err
}

func (h *HistoryStore) RecordAction(ctx context.Context, a GameAction) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO game_action (game_id, round, phase, actor_player_id, action_type, target_player_id, visibility, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.GameID, a.Round, a.Phase, a.ActorPlayerID, a.ActionType, a.TargetPlayerID, a.Visibility, a.Description)
	return err
}

func (h *HistoryStore) Game(ctx context.Context, gameID int64) (GameRecord, error) {
	var g GameRecord
	err := h.db.GetContext(ctx, &g, `
		SELECT rowid as id, session_id, venue_id, status, round, winner, reveal_mode
		FROM game WHERE rowid = ?`, gameID)
	return g, err
}

func (h *HistoryStore) GamePlayers(ctx context.Context, gameID int64) ([]GamePlayer, error) {
	var players []GamePlayer
	err := h.db.SelectContext(ctx, &players, `
		SELECT game_id, player_id, name, role_key, seat, is_alive
		FROM game_player WHERE game_id = ? ORDER BY seat`, gameID)
	return players, err
}

// Actions returns every recorded action of a game in insertion order.
func (h *HistoryStore) Actions(ctx context.Context, gameID int64) ([]GameAction, error) {
	var actions []GameAction
	err := h.db.SelectContext(ctx, &actions, `
		SELECT rowid as id, game_id, round, phase, actor_player_id, action_type, target_player_id, visibility, description
		FROM game_action
		WHERE game_id = ?
		ORDER BY rowid`, gameID)
	return actions, err
}

// VisibleActions filters a game's log down to what viewer is allowed to read.
func (h *HistoryStore) VisibleActions(ctx context.Context, gameID int64, viewerID string, catalog *Catalog) ([]GameAction, error) {
	game, err := h.Game(ctx, gameID)
	if err != nil {
		return nil, err
	}
	actions, err := h.Actions(ctx, gameID)
	if err != nil {
		return nil, err
	}

	viewerIsWolf := false
	if viewerID != "" {
		var roleKey string
		err := h.db.GetContext(ctx, &roleKey,
			"SELECT role_key FROM game_player WHERE game_id = ? AND player_id = ?", gameID, viewerID)
		if err == nil {
			viewerIsWolf = catalog.IsWolf(roleKey)
		}
	}

	gameOver := game.Status == "ended"
	var visible []GameAction
	for _, a := range actions {
		if a.Description == "" {
			continue
		}
		if canSeeAction(a, viewerID, viewerIsWolf, gameOver) {
			visible = append(visible, a)
		}
	}
	return visible, nil
}

// PublicHistory returns the public descriptions of a game, oldest first. This is
// what the storyteller gets to see.
func (h *HistoryStore) PublicHistory(ctx context.Context, gameID int64) ([]string, error) {
	var lines []string
	err := h.db.SelectContext(ctx, &lines, `
		SELECT description FROM game_action
		WHERE game_id = ? AND visibility = ? AND description != '' AND action_type != ?
		ORDER BY rowid`, gameID, VisibilityPublic, ActionStory)
	return lines, err
}

func (h *HistoryStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS player (
		id TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		secret_code TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS session (
		token TEXT PRIMARY KEY,
		player_id TEXT NOT NULL,
		FOREIGN KEY (player_id) REFERENCES player(id)
	);
	CREATE TABLE IF NOT EXISTS game (
		session_id TEXT NOT NULL,
		venue_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'setup',
		round INTEGER NOT NULL DEFAULT 0,
		winner TEXT NOT NULL DEFAULT '',
		reveal_mode TEXT NOT NULL DEFAULT 'on_death'
	);
	CREATE TABLE IF NOT EXISTS game_player (
		game_id INTEGER NOT NULL,
		player_id TEXT NOT NULL,
		name TEXT NOT NULL,
		role_key TEXT NOT NULL,
		seat INTEGER NOT NULL,
		is_alive INTEGER NOT NULL DEFAULT 1,
		FOREIGN KEY (game_id) REFERENCES game(rowid),
		UNIQUE(game_id, player_id)
	);
	CREATE TABLE IF NOT EXISTS game_action (
		game_id INTEGER NOT NULL,
		round INTEGER NOT NULL,
		phase TEXT NOT NULL,
		actor_player_id TEXT NOT NULL DEFAULT '',
		action_type TEXT NOT NULL,
		target_player_id TEXT,
		visibility TEXT NOT NULL DEFAULT 'public',
		description TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (game_id) REFERENCES game(rowid)
	);
	CREATE INDEX IF NOT EXISTS idx_game_action_lookup ON game_action(game_id, visibility);
	`
	if _, err := h.db.Exec(schema); err != nil {
		log.Printf("initDB error: %v", err)
		return err
	}
	log.Printf("Database initialized successfully")
	return nil
}

// dumpTables returns every row of every table, for debug logging.
func (h *HistoryStore) dumpTables() map[string][]map[string]any {
	out := make(map[string][]map[string]any)
	var tables []string
	if err := h.db.Select(&tables, "SELECT name FROM sqlite_master WHERE type='table' ORDER BY name"); err != nil {
		return out
	}
	for _, table := range tables {
		rows, err := h.db.Queryx("SELECT * FROM " + table)
		if err != nil {
			continue
		}
		for rows.Next() {
			row := make(map[string]any)
			if err := rows.MapScan(row); err == nil {
				for k, v := range row {
					if b, ok := v.([]byte); ok {
						row[k] = string(b)
					}
				}
				out[table] = append(out[table], row)
			}
		}
		rows.Close()
	}
	return out
}
