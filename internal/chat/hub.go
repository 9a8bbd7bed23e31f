package chat

import (
	"context"
	"log/slog"

	"go-relay/conversation"
	"go-relay/protocol"
)

// presenceTracker is the slice of Presence the hub needs. Nil disables
// presence bookkeeping (tests).
type presenceTracker interface {
	MarkOnline(ctx context.Context, login string) error
	MarkOffline(ctx context.Context, login string) error
}

// delivery is one event routed to a set of target logins. The frames of one
// event (envelope plus trailing payloads) travel together so they can never
// interleave with another event on a recipient's connection.
type delivery struct {
	targets []string
	frames  [][]byte
}

// Hub is the session registry and broadcast engine. A single run loop owns
// the login to session mapping, so register, deregister, and delivery are
// mutually exclusive by construction. Deliveries only push onto buffered
// per-session channels; network writes happen in each session's writePump,
// which keeps a slow recipient from stalling anyone else.
type Hub struct {
	log      *slog.Logger
	store    *conversation.Store
	presence presenceTracker

	register   chan *Session
	unregister chan *Session
	deliveries chan delivery

	sessions map[string]*Session

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHub(log *slog.Logger, store *conversation.Store, presence presenceTracker) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		log:        log,
		store:      store,
		presence:   presence,
		register:   make(chan *Session),
		unregister: make(chan *Session),
		deliveries: make(chan delivery),
		sessions:   make(map[string]*Session),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Run drives the hub until Shutdown. It is the only goroutine that touches
// h.sessions.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.closeAll()
			return

		case s := <-h.register:
			// At most one live session per login: a second login from
			// elsewhere kicks the first.
			if prev, ok := h.sessions[s.login]; ok {
				h.log.Info("replacing session", "login", s.login, "old_conn", prev.id)
				close(prev.send)
			}
			h.sessions[s.login] = s
			h.markOnline(s.login)
			h.fanOut(h.store.PeersOf(s.login), presenceFrames(s.login, true))
			h.log.Info("session registered", "login", s.login, "conn", s.id, "sessions", len(h.sessions))

		case s := <-h.unregister:
			cur, ok := h.sessions[s.login]
			if !ok || cur != s {
				// Already kicked or never registered.
				continue
			}
			delete(h.sessions, s.login)
			close(s.send)
			h.markOffline(s.login)
			h.fanOut(h.store.PeersOf(s.login), presenceFrames(s.login, false))
			h.log.Info("session deregistered", "login", s.login, "conn", s.id, "sessions", len(h.sessions))

		case d := <-h.deliveries:
			h.fanOut(d.targets, d.frames)
		}
	}
}

// fanOut pushes one event onto each online target's send channel. Offline
// logins are skipped; a target whose buffer is full is torn down rather than
// allowed to block the loop.
func (h *Hub) fanOut(targets []string, frames [][]byte) {
	if frames == nil {
		return
	}
	var dropped []string
	for _, login := range targets {
		s, ok := h.sessions[login]
		if !ok {
			continue
		}
		select {
		case s.send <- frames:
		default:
			h.log.Warn("dropping unresponsive session", "login", login, "conn", s.id)
			delete(h.sessions, login)
			close(s.send)
			dropped = append(dropped, login)
		}
	}
	// A dropped session gets the same bookkeeping as a deregister: peers see
	// OFFLINE and the presence set stays accurate. The victim's own later
	// deregister finds no registry entry and does nothing.
	for _, login := range dropped {
		h.markOffline(login)
		h.fanOut(h.store.PeersOf(login), presenceFrames(login, false))
	}
}

func (h *Hub) closeAll() {
	for login, s := range h.sessions {
		close(s.send)
		delete(h.sessions, login)
		h.markOffline(login)
	}
}

// markOnline and markOffline run off the loop goroutine so a stalled
// presence backend can never stall registration or delivery.
func (h *Hub) markOnline(login string) {
	if h.presence == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		defer cancel()
		if err := h.presence.MarkOnline(ctx, login); err != nil {
			h.log.Error("presence update failed", "login", login, "err", err)
		}
	}()
}

func (h *Hub) markOffline(login string) {
	if h.presence == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		defer cancel()
		if err := h.presence.MarkOffline(ctx, login); err != nil {
			h.log.Error("presence update failed", "login", login, "err", err)
		}
	}()
}

func presenceFrames(login string, online bool) [][]byte {
	frame, err := protocol.Encode(protocol.PresencePacket{Login: login, Online: online})
	if err != nil {
		return nil
	}
	return [][]byte{frame}
}

// Register hands a freshly authenticated session to the run loop. The
// session's TRUE reply and snapshot must already sit in its send channel so
// no broadcast can precede them.
func (h *Hub) Register(s *Session) {
	select {
	case h.register <- s:
	case <-h.ctx.Done():
	}
}

// Deregister removes a session and broadcasts its OFFLINE event in the same
// loop iteration, so no stale registry entry is ever visible to another
// worker.
func (h *Hub) Deregister(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.ctx.Done():
	}
}

// Deliver routes one encoded event to every currently online login in
// targets.
func (h *Hub) Deliver(targets []string, frames [][]byte) {
	select {
	case h.deliveries <- delivery{targets: targets, frames: frames}:
	case <-h.ctx.Done():
	}
}

// Shutdown stops the run loop and closes every live session's send channel.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
