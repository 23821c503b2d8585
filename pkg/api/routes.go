// Package api exposes the bot's HTTP surface: health, stats, user lookup,
// paginated history, and send endpoints. Every route except /health requires
// a configured token.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/mokny/meshbot/pkg/config"
	"github.com/mokny/meshbot/pkg/gateway"
	"github.com/mokny/meshbot/pkg/models"
	"github.com/mokny/meshbot/pkg/store"
)

type ApiRouter struct {
	config  *config.Configuration
	gateway *gateway.Gateway
	storage *store.Stores
}

func NewRouter(cfg *config.Configuration, gw *gateway.Gateway, storage *store.Stores) *ApiRouter {
	return &ApiRouter{config: cfg, gateway: gw, storage: storage}
}

// Handler builds the full route tree with logging, recovery, and compression.
func (ar *ApiRouter) Handler() http.Handler {
	myRouter := mux.NewRouter().StrictSlash(true)

	myRouter.HandleFunc("/health", ar.health).Methods("GET")

	authed := myRouter.NewRoute().Subrouter()
	authed.HandleFunc("/stats", ar.stats).Methods("GET")
	authed.HandleFunc("/user/{node_id}", ar.user).Methods("GET")
	authed.HandleFunc("/history/channel/{channel}", ar.channelHistory).Methods("GET")
	authed.HandleFunc("/history/dm/{peer_id}", ar.dmHistory).Methods("GET")
	authed.HandleFunc("/send/channel", ar.sendChannel).Methods("POST")
	authed.HandleFunc("/send/dm", ar.sendDM).Methods("POST")
	authed.Use(ar.requireToken)

	myRouter.Use(requestLogger)
	h := handlers.RecoveryHandler()
	return h(handlers.CompressHandler(myRouter))
}

func requestLogger(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		slog.Info("endpoint hit", "method", r.Method, "path", r.URL.Path, "remote_host", r.RemoteAddr)
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

// requireToken accepts either "Authorization: Bearer <token>" or an
// "X-Api-Token" header. With no tokens configured every request is refused,
// so the API is fail-closed by default.
func (ar *ApiRouter) requireToken(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Api-Token")
		if token == "" {
			if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
				token = strings.TrimPrefix(v, "Bearer ")
			}
		}
		if token == "" || !ar.tokenValid(token) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

func (ar *ApiRouter) tokenValid(token string) bool {
	for _, t := range ar.config.API.Tokens {
		if t != "" && t == token {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (ar *ApiRouter) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (ar *ApiRouter) stats(w http.ResponseWriter, r *http.Request) {
	st, err := ar.gateway.Stats()
	if err != nil {
		slog.Error("error building stats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (ar *ApiRouter) user(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node_id"]
	info, err := ar.gateway.UserInfo(nodeID)
	if err != nil {
		slog.Error("error fetching user", "node", nodeID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if info.Station == nil {
		writeError(w, http.StatusNotFound, "unknown node")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// HistoryResponse wraps a history page with the cursors for the next page.
type HistoryResponse struct {
	Messages     []models.Message `json:"messages"`
	Count        int              `json:"count"`
	NextBeforeID *int64           `json:"next_before_id,omitempty"`
	NextAfterID  *int64           `json:"next_after_id,omitempty"`
}

// historyQuery parses the shared pagination parameters.
func historyQuery(r *http.Request, conv models.Conversation) (store.MessageQuery, error) {
	q := store.MessageQuery{Conversation: conv}
	params := r.URL.Query()

	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return q, fmt.Errorf("bad limit %q", v)
		}
		q.Limit = n
	}
	q.Order = params.Get("order")
	q.SortBy = params.Get("sort_by")
	q.Direction = params.Get("direction")
	switch q.Direction {
	case "", string(models.DirectionRX), string(models.DirectionTX):
	default:
		return q, fmt.Errorf("bad direction %q", q.Direction)
	}

	for name, dst := range map[string]*int64{"before_id": &q.BeforeID, "after_id": &q.AfterID} {
		if v := params.Get(name); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return q, fmt.Errorf("bad %s %q", name, v)
			}
			*dst = n
		}
	}
	return q, nil
}

func (ar *ApiRouter) history(w http.ResponseWriter, r *http.Request, conv models.Conversation) {
	q, err := historyQuery(r, conv)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msgs, err := ar.storage.Messages.List(q)
	if err != nil {
		slog.Error("error listing history", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := HistoryResponse{Messages: msgs, Count: len(msgs)}
	if len(msgs) > 0 {
		// The next cursor is the extreme id of this page in scan direction.
		minID, maxID := msgs[0].ID, msgs[0].ID
		for _, m := range msgs[1:] {
			if m.ID < minID {
				minID = m.ID
			}
			if m.ID > maxID {
				maxID = m.ID
			}
		}
		if strings.EqualFold(q.Order, "asc") {
			resp.NextAfterID = &maxID
		} else {
			resp.NextBeforeID = &minID
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (ar *ApiRouter) channelHistory(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["channel"]
	ch, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("bad channel %q", raw))
		return
	}
	ar.history(w, r, models.ChannelConversation(ch))
}

func (ar *ApiRouter) dmHistory(w http.ResponseWriter, r *http.Request) {
	peer := mux.Vars(r)["peer_id"]
	if peer == "" {
		writeError(w, http.StatusBadRequest, "peer_id required")
		return
	}
	ar.history(w, r, models.DMConversation(peer))
}

type sendChannelRequest struct {
	Channel       int64  `json:"channel"`
	Text          string `json:"text"`
	Node          string `json:"node,omitempty"`
	DestinationID string `json:"destination_id,omitempty"`
}

type sendDMRequest struct {
	PeerID string `json:"peer_id"`
	Text   string `json:"text"`
	Node   string `json:"node,omitempty"`
}

type sendResponse struct {
	Sent bool `json:"sent"`
}

func (ar *ApiRouter) sendChannel(w http.ResponseWriter, r *http.Request) {
	var req sendChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text required")
		return
	}
	if err := ar.gateway.SendToChannel(req.Node, req.Channel, req.DestinationID, req.Text); err != nil {
		ar.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{Sent: true})
}

func (ar *ApiRouter) sendDM(w http.ResponseWriter, r *http.Request) {
	var req sendDMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PeerID == "" || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "peer_id and text required")
		return
	}
	if err := ar.gateway.SendToPeer(req.Node, req.PeerID, req.Text); err != nil {
		ar.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{Sent: true})
}

func (ar *ApiRouter) sendError(w http.ResponseWriter, err error) {
	if err == gateway.ErrNoConnection {
		writeError(w, http.StatusServiceUnavailable, "no connected radio")
		return
	}
	slog.Error("send error", "error", err)
	writeError(w, http.StatusBadGateway, "send failed")
}
