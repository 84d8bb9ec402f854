package main

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

var devMode bool

// Server owns the long-lived pieces: the account and history store, the
// websocket hub every venue runs on, and the registry of live sessions.
type Server struct {
	cfg      AppConfig
	store    *HistoryStore
	hub      *Hub
	lobbies  *LobbyRegistry
	catalog  *Catalog
	narrator Narrator
	ctx      context.Context
}

func newServer(ctx context.Context, cfg AppConfig, store *HistoryStore) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		hub:      newHub(),
		catalog:  DefaultCatalog(),
		narrator: newNarrator(cfg),
		ctx:      ctx,
	}
	s.hub.names = func(id PlayerID) string {
		acc, err := store.AccountByID(context.Background(), string(id))
		if err != nil {
			return string(id)
		}
		return acc.Name
	}
	s.lobbies = NewLobbyRegistry(func(venueID string) SessionDeps {
		opts := cfg.gameOptions()
		return SessionDeps{
			Venue:    s.hub.Venue(venueID),
			Catalog:  s.catalog,
			History:  store,
			Narrator: s.narrator,
			Options:  &opts,
		}
	})
	return s
}

func (s *Server) handleWSMessage(client *Client, message []byte) {
	var msg WSMessage
	err := json.Unmarshal(message, &msg)
	if err != nil {
		log.Printf("WebSocket unmarshal error for player %s: %v", client.playerID, err)
		return
	}

	LogWSMessage("IN", client.name, string(message))

	if msg.Venue == "" {
		sendErrorToast(s.hub, client.playerID, "Missing venue")
		return
	}

	switch msg.Action {
	case "create":
		s.handleWSCreate(client, msg)
	case "join":
		s.handleWSJoin(client, msg)
	case "leave":
		s.handleWSLeave(client, msg)
	case "kick":
		s.handleWSKick(client, msg)
	case "config":
		s.handleWSConfig(client, msg)
	case "start":
		s.handleWSStart(client, msg)
	case "table":
		s.handleWSTable(client, msg)
	case "stop":
		s.handleWSStop(client, msg)
	case "reply":
		values := make([]PlayerID, len(msg.Values))
		for i, v := range msg.Values {
			values[i] = PlayerID(v)
		}
		err = s.hub.reply(msg.Venue, client.playerID, msg.PromptID, Reply{Confirmed: msg.Confirm, Values: values, Text: msg.Text})
	case "ballot":
		err = s.hub.vote(msg.Venue, client.playerID, msg.BallotID, PlayerID(msg.Target))
	case "chat":
		scope := Scope(msg.Scope)
		if scope == "" {
			scope = ScopeMain
		}
		err = s.hub.chat(msg.Venue, client.playerID, scope, msg.Text)
	default:
		log.Printf("Unknown action: %s for player %s (%s) at %s", msg.Action, client.playerID, client.name, msg.Venue)
	}
	if err != nil {
		DebugLog("handleWSMessage", "%s from '%s' rejected: %v", msg.Action, client.name, err)
		sendErrorToast(s.hub, client.playerID, err.Error())
	}
}

type historyResponse struct {
	Game    GameRecord   `json:"game"`
	Players []GamePlayer `json:"players"`
	Actions []GameAction `json:"actions"`
}

// handleHistory serves the log of a recorded game as the requesting player may
// see it: their own secrets, the pack's if they are a wolf, and everything once
// the game is over.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	playerID, _, err := s.playerFromRequest(r)
	if err != nil {
		writeToast(w, http.StatusUnauthorized, "error", "Not logged in")
		return
	}
	gameID, err := strconv.ParseInt(r.URL.Query().Get("game"), 10, 64)
	if err != nil {
		writeToast(w, http.StatusBadRequest, "error", "Invalid game id")
		return
	}

	game, err := s.store.Game(r.Context(), gameID)
	if err != nil {
		writeToast(w, http.StatusNotFound, "error", "Unknown game")
		return
	}
	actions, err := s.store.VisibleActions(r.Context(), gameID, string(playerID), s.catalog)
	if err != nil {
		logError("handleHistory: VisibleActions", err)
		writeToast(w, http.StatusInternalServerError, "error", "Something went wrong")
		return
	}
	players, err := s.store.GamePlayers(r.Context(), gameID)
	if err != nil {
		logError("handleHistory: GamePlayers", err)
	}
	if game.Status != string(StateEnded) {
		for i := range players {
			players[i].RoleKey = ""
		}
	}
	writeJSON(w, http.StatusOK, historyResponse{Game: game, Players: players, Actions: actions})
}

// handleTable serves the public view of the session at ?venue=.
func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lobbies.Get(r.URL.Query().Get("venue"))
	if err != nil {
		writeToast(w, http.StatusNotFound, "error", userMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot().public())
}

func disableCaching(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Cache-Control", "no-cache")

		next.ServeHTTP(w, r)
	})
}

// shouldCompress determines if a content type should be gzip compressed
func shouldCompress(contentType string) bool {
	return strings.HasPrefix(contentType, "text/") || strings.HasPrefix(contentType, "application/json")
}

// responseWriter wraps http.ResponseWriter to handle conditional gzip compression
type responseWriter struct {
	http.ResponseWriter
	gz         *gzip.Writer
	acceptGzip bool
	headerSent bool
}

// WriteHeader checks content type and sets up compression if appropriate
func (w *responseWriter) WriteHeader(statusCode int) {
	if w.headerSent {
		return
	}
	w.headerSent = true

	if w.acceptGzip && shouldCompress(w.Header().Get("Content-Type")) {
		w.gz = gzip.NewWriter(w.ResponseWriter)
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")
	}

	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.headerSent {
		w.WriteHeader(http.StatusOK)
	}
	if w.gz != nil {
		return w.gz.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) Close() error {
	if w.gz != nil {
		return w.gz.Close()
	}
	return nil
}

// compress adds gzip compression to compressible responses
func compress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &responseWriter{
			ResponseWriter: w,
			acceptGzip:     strings.Contains(r.Header.Get("Accept-Encoding"), "gzip"),
		}
		defer wrapped.Close()

		next.ServeHTTP(wrapped, r)
	})
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Wrap handlers with compression, caching control, and optional logging
	wrapHandler := func(pattern string, handler http.HandlerFunc) {
		var h http.Handler = handler
		h = compress(h)
		h = disableCaching(h)
		if appLogger != nil && appLogger.requests.enabled {
			h = &LoggingHandler{Handler: h, Logger: appLogger}
		}
		mux.Handle(pattern, h)
	}

	wrapHandler("POST /signup", s.handleSignup)
	wrapHandler("POST /login", s.handleLogin)
	wrapHandler("POST /logout", s.handleLogout)
	wrapHandler("GET /history", s.handleHistory)
	wrapHandler("GET /table", s.handleTable)

	// The upgrade needs the raw ResponseWriter to hijack the connection
	var ws http.Handler = http.HandlerFunc(s.handleWebSocket)
	if appLogger != nil && appLogger.requests.enabled {
		ws = &LoggingHandler{Handler: ws, Logger: appLogger}
	}
	mux.Handle("GET /ws", ws)
	return mux
}

func main() {
	fv := registerFlags(flag.CommandLine)
	flag.Parse()

	cfg := loadConfig(*fv.configPath)
	fv.applyTo(flag.CommandLine, &cfg)
	devMode = cfg.Dev

	// Set up logging to both stdout and file
	logFile, err := os.OpenFile("werewolfd.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		log.Fatal("Failed to open log file:", err)
	}
	defer logFile.Close()
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))

	logger, err := NewAppLogger(cfg.toLogConfig())
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	appLogger = logger
	defer CloseAppLogger()

	if appLogger.IsEnabled() {
		log.Println("Extended logging enabled")
	}

	store, err := OpenHistoryStore(cfg.DB)
	if err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer store.Close()
	appLogger.AttachStore(store)
	LogDBState("after init")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := newServer(ctx, cfg, store)
	httpServer := &http.Server{Addr: cfg.Addr, Handler: srv.routes()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srv.hub.run()
		return nil
	})
	g.Go(func() error {
		log.Printf("Server starting on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		// Running games announce the abort before the hub closes their connections
		srv.lobbies.StopAll()
		srv.hub.stop()
		return err
	})

	if err := g.Wait(); err != nil {
		log.Fatal("Server error: ", err)
	}
}
