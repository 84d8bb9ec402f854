package main

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const sessionCookieName = "werewolf_session"

var errNotLoggedIn = errors.New("not logged in")

func generateSecretCode() (string, error) {
	bytes := make([]byte, 4)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func (s *Server) setSessionCookie(w http.ResponseWriter, r *http.Request, playerID string) error {
	token := uuid.NewString()
	if err := s.store.CreateLogin(r.Context(), token, playerID); err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// playerFromRequest resolves the session cookie to a registered player.
func (s *Server) playerFromRequest(r *http.Request) (PlayerID, string, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return "", "", errNotLoggedIn
	}
	id, ok := s.store.PlayerForToken(r.Context(), cookie.Value)
	if !ok {
		return "", "", errNotLoggedIn
	}
	acc, err := s.store.AccountByID(r.Context(), id)
	if err != nil {
		return "", "", err
	}
	return PlayerID(acc.ID), acc.Name, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logError("writeJSON", err)
	}
}

func writeToast(w http.ResponseWriter, status int, toastType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(renderToast(toastType, message))
}

type accountResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	SecretCode string `json:"secret_code,omitempty"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		writeToast(w, http.StatusBadRequest, "error", "Name is required")
		return
	}

	secretCode, err := generateSecretCode()
	if err != nil {
		logError("handleSignup: generateSecretCode", err)
		writeToast(w, http.StatusInternalServerError, "error", "Something went wrong")
		return
	}

	id := uuid.NewString()
	err = s.store.CreateAccount(r.Context(), id, name, secretCode)
	if errors.Is(err, ErrNameTaken) {
		writeToast(w, http.StatusConflict, "error", "Name already taken. Use login with secret code if this is you.")
		return
	}
	if err != nil {
		logError("handleSignup: CreateAccount", err)
		writeToast(w, http.StatusInternalServerError, "error", "Something went wrong")
		return
	}

	log.Printf("New player created: name='%s', id=%s", name, id)
	LogDBState("after signup: " + name)

	if err := s.setSessionCookie(w, r, id); err != nil {
		logError("handleSignup: setSessionCookie", err)
		writeToast(w, http.StatusInternalServerError, "error", "Something went wrong")
		return
	}
	writeJSON(w, http.StatusCreated, accountResponse{ID: id, Name: name, SecretCode: secretCode})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	name := r.FormValue("name")
	secretCode := r.FormValue("secret_code")

	if name == "" || secretCode == "" {
		writeToast(w, http.StatusBadRequest, "error", "Name and secret code are required")
		return
	}

	acc, err := s.store.AccountByCredentials(r.Context(), name, secretCode)
	if errors.Is(err, sql.ErrNoRows) {
		writeToast(w, http.StatusUnauthorized, "error", "Invalid name or secret code")
		return
	}
	if err != nil {
		logError("handleLogin: AccountByCredentials", err)
		writeToast(w, http.StatusInternalServerError, "error", "Something went wrong")
		return
	}

	log.Printf("Player logged in: name='%s', id=%s", name, acc.ID)
	if err := s.setSessionCookie(w, r, acc.ID); err != nil {
		logError("handleLogin: setSessionCookie", err)
		writeToast(w, http.StatusInternalServerError, "error", "Something went wrong")
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{ID: acc.ID, Name: acc.Name})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	playerID, name, _ := s.playerFromRequest(r)

	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		if err := s.store.DeleteLogin(r.Context(), cookie.Value); err != nil {
			logError("handleLogout: DeleteLogin", err)
		}
	}

	log.Printf("Player logged out: name='%s', id=%s", name, playerID)

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	w.WriteHeader(http.StatusNoContent)
}
