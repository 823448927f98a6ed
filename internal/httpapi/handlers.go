// Package httpapi is the local debug and control surface: a small HTTP
// API to inspect device state and drive it without a microphone.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/supremeagent/voicecore/pkg/board"
	"github.com/supremeagent/voicecore/pkg/core"
	"github.com/supremeagent/voicecore/pkg/session"
)

// Handler handles HTTP API requests.
type Handler struct {
	ctrl  *core.Controller
	brd   *board.Board
	users *session.Manager
}

func NewHandler(ctrl *core.Controller, brd *board.Board, users *session.Manager) *Handler {
	return &Handler{ctrl: ctrl, brd: brd, users: users}
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Board:    h.brd.Name,
		State:    h.ctrl.State().String(),
		SleepOK:  h.ctrl.CanEnterSleepMode(),
		LoggedIn: h.users.IsLoggedIn(),
		User:     h.users.Profile().Name,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) HandleBoardStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.brd.StatusJSON()
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read board status: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(status)
}

func (h *Handler) HandleTools(w http.ResponseWriter, r *http.Request) {
	registry := h.ctrl.Tools().Tools()
	tools := make([]ToolInfo, 0, len(registry))
	for _, t := range registry {
		tools = append(tools, ToolInfo{Name: t.Name, Description: t.Description})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"tools": tools})
}

func (h *Handler) HandleWake(w http.ResponseWriter, r *http.Request) {
	var req WakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.WakeWord == "" {
		http.Error(w, "wake_word is required", http.StatusBadRequest)
		return
	}

	h.ctrl.WakeWordInvoke(req.WakeWord)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) HandleToggle(w http.ResponseWriter, r *http.Request) {
	h.ctrl.ToggleChatState()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
