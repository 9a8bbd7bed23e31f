package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"go-relay/conversation"
	"go-relay/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Dev mode; restrict origins in production.
	},
}

// presenceReader is the REST surface's view of the presence tracker.
type presenceReader interface {
	Online(ctx context.Context) ([]string, error)
	LastSeen(ctx context.Context, login string) (online, offline time.Time, err error)
}

type Handler struct {
	hub        *Hub
	store      *conversation.Store
	repo       ConversationRepository
	creds      Credentials
	presence   presenceReader
	log        *slog.Logger
	sendBuffer int
}

func NewHandler(hub *Hub, store *conversation.Store, repo ConversationRepository,
	creds Credentials, presence presenceReader, log *slog.Logger, sendBuffer int) *Handler {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Handler{
		hub:        hub,
		store:      store,
		repo:       repo,
		creds:      creds,
		presence:   presence,
		log:        log,
		sendBuffer: sendBuffer,
	}
}

// ServeWs upgrades the connection and starts the session worker's two
// pumps. Authentication happens in-protocol, so the route carries no
// token middleware.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	s := &Session{
		hub:   h.hub,
		conn:  conn,
		send:  make(chan [][]byte, h.sendBuffer),
		id:    uuid.NewString(),
		creds: h.creds,
		store: h.store,
		repo:  h.repo,
	}
	s.log = h.log.With("conn", s.id, "remote", r.RemoteAddr)

	go s.writePump()
	go s.readPump()
}

// Presence reports every login currently online.
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	logins, err := h.presence.Online(r.Context())
	if err != nil {
		h.log.Error("presence read failed", "err", err)
		http.Error(w, "presence unavailable", http.StatusServiceUnavailable)
		return
	}
	if logins == nil {
		logins = []string{}
	}
	json.NewEncoder(w).Encode(map[string][]string{"online": logins})
}

// LastSeen reports when a login last went online and offline. Zero
// timestamps are omitted: the login was never seen.
func (h *Handler) LastSeen(w http.ResponseWriter, r *http.Request) {
	login := chi.URLParam(r, "login")
	online, offline, err := h.presence.LastSeen(r.Context(), login)
	if err != nil {
		h.log.Error("presence read failed", "login", login, "err", err)
		http.Error(w, "presence unavailable", http.StatusServiceUnavailable)
		return
	}

	resp := map[string]string{"login": login}
	if !online.IsZero() {
		resp["last_online"] = online.Format(time.RFC3339)
	}
	if !offline.IsZero() {
		resp["last_offline"] = offline.Format(time.RFC3339)
	}
	json.NewEncoder(w).Encode(resp)
}

// Conversations returns the persisted conversation set of the token's
// login, a REST view of the same snapshot the protocol sends at login.
func (h *Handler) Conversations(w http.ResponseWriter, r *http.Request) {
	login, ok := r.Context().Value(middleware.LoginKey).(string)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	convs, err := h.repo.ConversationsFor(r.Context(), login)
	if err != nil {
		h.log.Error("conversation load failed", "login", login, "err", err)
		http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
		return
	}
	if convs == nil {
		convs = []conversation.Conversation{}
	}
	json.NewEncoder(w).Encode(convs)
}
