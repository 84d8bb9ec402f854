package main

import (
	"encoding/json"
	"log"
	"strconv"
	"sync/atomic"
)

// Toast represents a notification message to show to the user
type Toast struct {
	ID      string `json:"id"`
	Type    string `json:"type"` // "error", "warning", "success", "info"
	Message string `json:"message"`
}

var toastCounter atomic.Int64

func newToast(toastType, message string) Toast {
	return Toast{ID: strconv.FormatInt(toastCounter.Add(1), 10), Type: toastType, Message: message}
}

// renderToast renders a toast as a JSON document, for HTTP responses
func renderToast(toastType, message string) []byte {
	b, err := json.Marshal(newToast(toastType, message))
	if err != nil {
		log.Printf("Failed to render toast: %v", err)
		return nil
	}
	return b
}

// sendToast sends a toast to a specific player via WebSocket
func sendToast(hub *Hub, playerID PlayerID, toastType, message string) {
	t := newToast(toastType, message)
	if err := hub.sendEvent(playerID, WSEvent{Type: "toast", ID: t.ID, Level: t.Type, Text: t.Message}); err != nil {
		DebugLog("sendToast", "toast for %s dropped: %v", playerID, err)
	}
}

func sendErrorToast(hub *Hub, playerID PlayerID, message string) {
	sendToast(hub, playerID, "error", message)
}
