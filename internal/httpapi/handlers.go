// Package httpapi is the thin, explicitly out-of-scope external request
// surface (spec §2 component D): it translates HTTP verbs into Engine/Hub
// calls and carries no lobby semantics of its own.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hearthlobby/lobbyhub/internal/hub"
	"github.com/hearthlobby/lobbyhub/internal/lobby"
	"github.com/hearthlobby/lobbyhub/internal/middleware"
	"github.com/sirupsen/logrus"
)

// Handlers binds HTTP handler methods to the Engine and Hub. It holds no
// lobby state itself.
type Handlers struct {
	engine *lobby.Engine
	hub    *hub.Hub
	log    *logrus.Logger
}

// NewHandlers constructs a Handlers bound to a live Engine/Hub pair.
func NewHandlers(engine *lobby.Engine, h *hub.Hub, log *logrus.Logger) *Handlers {
	return &Handlers{engine: engine, hub: h, log: log}
}

func extractCookieToken(cookieHeader, cookieName string) string {
	parts := strings.Split(cookieHeader, cookieName+"=")
	if len(parts) < 2 {
		return ""
	}
	token := parts[1]
	if idx := strings.Index(token, ";"); idx != -1 {
		token = token[:idx]
	}
	return token
}

// tokenFromRequest accepts either a Bearer Authorization header or an
// auth_token cookie, in that order.
func tokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return extractCookieToken(r.Header.Get("Cookie"), "auth_token")
}

func pathGameID(r *http.Request) (lobby.GameID, error) {
	return uuid.Parse(chi.URLParam(r, "gameId"))
}

func pathLobbyID(r *http.Request) (lobby.ID, error) {
	return uuid.Parse(chi.URLParam(r, "lobbyId"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeErr(w http.ResponseWriter, err error) {
	kind := lobby.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case lobby.KindInvalid:
		status = http.StatusBadRequest
	case lobby.KindUnauthorized:
		status = http.StatusUnauthorized
	case lobby.KindForbidden:
		status = http.StatusForbidden
	case lobby.KindNotFound:
		status = http.StatusNotFound
	case lobby.KindConflict:
		status = http.StatusConflict
	}
	writeJSON(w, status, errorResponse{Kind: kind.String(), Message: err.Error()})
}

// CreateLobby handles POST /games/{gameId}/lobbies.
func (h *Handlers) CreateLobby(w http.ResponseWriter, r *http.Request) {
	gameID, err := pathGameID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: "invalid", Message: "bad gameId"})
		return
	}
	var req CreateLobbyRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	view, err := h.engine.CreateLobby(r.Context(), gameID, tokenFromRequest(r), req.MaxPlayers, req.Properties)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// JoinLobby handles POST /games/{gameId}/lobbies/{lobbyId}/join.
func (h *Handlers) JoinLobby(w http.ResponseWriter, r *http.Request) {
	gameID, err := pathGameID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: "invalid", Message: "bad gameId"})
		return
	}
	lobbyID, err := pathLobbyID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: "invalid", Message: "bad lobbyId"})
		return
	}

	view, err := h.engine.JoinLobby(r.Context(), gameID, lobbyID, tokenFromRequest(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// LeaveLobby handles POST /games/{gameId}/lobbies/{lobbyId}/leave.
func (h *Handlers) LeaveLobby(w http.ResponseWriter, r *http.Request) {
	gameID, err := pathGameID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: "invalid", Message: "bad gameId"})
		return
	}
	lobbyID, err := pathLobbyID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: "invalid", Message: "bad lobbyId"})
		return
	}
	if err := h.engine.LeaveLobby(r.Context(), gameID, lobbyID, tokenFromRequest(r)); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// GetLobby handles GET /games/{gameId}/lobbies/{lobbyId}.
func (h *Handlers) GetLobby(w http.ResponseWriter, r *http.Request) {
	gameID, err := pathGameID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: "invalid", Message: "bad gameId"})
		return
	}
	lobbyID, err := pathLobbyID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: "invalid", Message: "bad lobbyId"})
		return
	}
	view, err := h.engine.GetLobby(r.Context(), gameID, lobbyID, tokenFromRequest(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetMembers handles GET /games/{gameId}/lobbies/{lobbyId}/members.
func (h *Handlers) GetMembers(w http.ResponseWriter, r *http.Request) {
	gameID, err := pathGameID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: "invalid", Message: "bad gameId"})
		return
	}
	lobbyID, err := pathLobbyID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: "invalid", Message: "bad lobbyId"})
		return
	}
	members, err := h.engine.GetLobbyMembers(gameID, lobbyID)
	if err != nil {
		writeErr(w, err)
		return
	}
	views := make([]lobby.MemberView, len(members))
	for i, m := range members {
		views[i] = lobby.MemberView{UserID: m.UserID, DisplayName: m.DisplayName, IsReady: m.IsReady}
	}
	writeJSON(w, http.StatusOK, views)
}

// Search handles GET /games/{gameId}/lobbies?maxRooms=N&<propertyFilters>.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	gameID, err := pathGameID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: "invalid", Message: "bad gameId"})
		return
	}
	maxRooms := 20
	if raw := r.URL.Query().Get("maxRooms"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			maxRooms = n
		}
	}
	filters := make(map[string]string)
	for k, vs := range r.URL.Query() {
		if k == "maxRooms" || len(vs) == 0 {
			continue
		}
		filters[k] = vs[0]
	}
	results := h.engine.SearchLobbies(gameID, maxRooms, filters)
	writeJSON(w, http.StatusOK, results)
}

// SetReady handles POST /games/{gameId}/lobbies/{lobbyId}/ready.
func (h *Handlers) SetReady(w http.ResponseWriter, r *http.Request) {
	gameID, err := pathGameID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: "invalid", Message: "bad gameId"})
		return
	}
	lobbyID, err := pathLobbyID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: "invalid", Message: "bad lobbyId"})
		return
	}
	var req SetReadyRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := h.engine.SetReady(r.Context(), gameID, lobbyID, tokenFromRequest(r), req.IsReady); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// SetEveryoneReady handles POST /games/{gameId}/lobbies/{lobbyId}/ready-all.
func (h *Handlers) SetEveryoneReady(w http.ResponseWriter, r *http.Request) {
	gameID, err := pathGameID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: "invalid", Message: "bad gameId"})
		return
	}
	lobbyID, err := pathLobbyID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: "invalid", Message: "bad lobbyId"})
		return
	}
	if err := h.engine.SetEveryoneReady(r.Context(), gameID, lobbyID, tokenFromRequest(r)); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// SetData handles POST /games/{gameId}/lobbies/{lobbyId}/data.
func (h *Handlers) SetData(w http.ResponseWriter, r *http.Request) {
	gameID, err := pathGameID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: "invalid", Message: "bad gameId"})
		return
	}
	lobbyID, err := pathLobbyID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: "invalid", Message: "bad lobbyId"})
		return
	}
	var req SetDataRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := h.engine.SetLobbyData(r.Context(), gameID, lobbyID, tokenFromRequest(r), req.Key, req.Value); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// GetData handles GET /games/{gameId}/lobbies/{lobbyId}/data?key=K.
func (h *Handlers) GetData(w http.ResponseWriter, r *http.Request) {
	gameID, err := pathGameID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: "invalid", Message: "bad gameId"})
		return
	}
	lobbyID, err := pathLobbyID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: "invalid", Message: "bad lobbyId"})
		return
	}
	key := r.URL.Query().Get("key")
	value, found := h.engine.GetLobbyData(gameID, lobbyID, key)
	writeJSON(w, http.StatusOK, GetDataResponse{Key: key, Value: value, Found: found})
}

// StartLobby handles POST /games/{gameId}/lobbies/{lobbyId}/start.
func (h *Handlers) StartLobby(w http.ResponseWriter, r *http.Request) {
	gameID, err := pathGameID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: "invalid", Message: "bad gameId"})
		return
	}
	lobbyID, err := pathLobbyID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: "invalid", Message: "bad lobbyId"})
		return
	}
	if err := h.engine.StartLobby(r.Context(), gameID, lobbyID, tokenFromRequest(r)); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// Stats handles GET /games/{gameId}/stats.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	gameID, err := pathGameID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: "invalid", Message: "bad gameId"})
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		GlobalLobbyCount:  h.engine.GlobalLobbyCount(),
		GlobalPlayerCount: h.engine.GlobalPlayerCount(),
		LobbyCount:        h.engine.LobbyCountByGame(gameID),
		PlayerCount:       len(h.engine.ActivePlayersByGame(gameID)),
	})
}

// Subscribe handles GET /games/{gameId}/lobbies/{lobbyId}/subscribe: it
// upgrades to a websocket and blocks in the Hub's receive loop for the
// lifetime of the connection (spec §4.2.1).
func (h *Handlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	gameID, err := pathGameID(r)
	if err != nil {
		http.Error(w, "bad gameId", http.StatusBadRequest)
		return
	}
	lobbyID, err := pathLobbyID(r)
	if err != nil {
		http.Error(w, "bad lobbyId", http.StatusBadRequest)
		return
	}
	token := tokenFromRequest(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{"lobby"},
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.WithError(err).Warn("websocket accept failed")
		return
	}

	middleware.LogWebSocketConnect(h.log, r.RemoteAddr, r.URL.Path)
	h.hub.HandleConnection(r.Context(), gameID, lobbyID, token, conn)
	middleware.LogWebSocketDisconnect(h.log, r.RemoteAddr, r.URL.Path, r.Context().Err())
}

// ForceCloseLobby handles POST /games/{gameId}/lobbies/{lobbyId}/force-close:
// an operator-only escalation of §4.2.5, exposed for the lobbyctl CLI.
func (h *Handlers) ForceCloseLobby(w http.ResponseWriter, r *http.Request) {
	gameID, err := pathGameID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: "invalid", Message: "bad gameId"})
		return
	}
	lobbyID, err := pathLobbyID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: "invalid", Message: "bad lobbyId"})
		return
	}
	h.hub.ForceClose(gameID, lobbyID)
	writeJSON(w, http.StatusNoContent, nil)
}

// Health handles GET /health: a supplemented, additive operational surface
// (SPEC_FULL §11), reporting the same global stats the CLI exposes.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"globalLobbyCount":  h.engine.GlobalLobbyCount(),
		"globalPlayerCount": h.engine.GlobalPlayerCount(),
	})
}
