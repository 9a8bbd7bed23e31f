package conversation

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Store is a mutex-guarded conversation registry. On the server it is the
// single authoritative copy shared by all session workers; on the client it
// is the mirror rebuilt from the login snapshot and patched by inbound
// events. All accessors return deep copies, so a caller never observes a
// partially updated participant set or message log.
type Store struct {
	mu     sync.RWMutex
	byID   map[int]*Conversation
	nextID int
}

func NewStore() *Store {
	return &Store{
		byID:   make(map[int]*Conversation),
		nextID: 1,
	}
}

// Advance moves the id allocator past id. Called at startup with the highest
// persisted conversation id so restarted servers never hand out an id an old
// client mirror might still hold.
func (s *Store) Advance(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id >= s.nextID {
		s.nextID = id + 1
	}
}

// Seed merges conversations into the store, keeping existing entries.
// Used on the server when a login's backend snapshot is loaded at first
// reference, and on the client to rebuild the mirror after login.
func (s *Store) Seed(convs []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range convs {
		if _, ok := s.byID[c.ID]; ok {
			continue
		}
		cp := c.clone()
		s.byID[c.ID] = &cp
		if c.ID >= s.nextID {
			s.nextID = c.ID + 1
		}
	}
}

// CreateGroup allocates a fresh id and stores a conversation with the given
// name and deduplicated participant set. Ids are monotonic for the lifetime
// of the process and are never reused, even after the conversation is
// purged.
func (s *Store) CreateGroup(name string, participants []string) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &Conversation{
		ID:           s.nextID,
		Name:         name,
		Participants: lo.Uniq(participants),
		Messages:     []Message{},
	}
	s.nextID++
	s.byID[c.ID] = c
	return c.clone()
}

// Put inserts or replaces a conversation under its own id. Mirror-side
// counterpart of CreateGroup, driven by decoded CREATE_GROUP events.
func (s *Store) Put(c Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c.clone()
	s.byID[c.ID] = &cp
	if c.ID >= s.nextID {
		s.nextID = c.ID + 1
	}
}

// Delete removes a conversation outright. The id stays burned: the allocator
// never hands it out again.
func (s *Store) Delete(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
}

// Lookup returns a copy of the conversation with the given id.
func (s *Store) Lookup(id int) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// All returns copies of every stored conversation, ordered by id.
func (s *Store) All() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllForUser returns copies of every conversation login participates in,
// ordered by id.
func (s *Store) AllForUser(login string) []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Conversation
	for _, c := range s.byID {
		if c.Has(login) {
			out = append(out, c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SnapshotForUser is the full post-login snapshot for a login: every
// conversation it belongs to, with participants and message logs.
func (s *Store) SnapshotForUser(login string) []Conversation {
	return s.AllForUser(login)
}

// AppendMessage appends to a conversation's log. The sender must be a
// participant.
func (s *Store) AppendMessage(id int, sender, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if !c.Has(sender) {
		return ErrNotParticipant
	}
	c.Messages = append(c.Messages, Message{Sender: sender, Text: text})
	return nil
}

// SetMessages replaces a conversation's message log. Mirror-side, applied
// when a HISTORY reply delivers the server's full ordered log.
func (s *Store) SetMessages(id int, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	c.Messages = append([]Message(nil), msgs...)
	return nil
}

// RemoveParticipant removes login from the conversation and reports whether
// the conversation became empty. An empty conversation is purged; its id
// stays burned.
func (s *Store) RemoveParticipant(id int, login string) (empty bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return false, ErrNotFound
	}
	if !c.Has(login) {
		return false, ErrNotParticipant
	}
	c.Participants = lo.Without(c.Participants, login)
	if len(c.Participants) == 0 {
		delete(s.byID, id)
		return true, nil
	}
	return false, nil
}

// PeersOf returns every other login sharing at least one conversation with
// login. Presence events fan out to exactly this set.
func (s *Store) PeersOf(login string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var peers []string
	for _, c := range s.byID {
		if !c.Has(login) {
			continue
		}
		peers = append(peers, lo.Without(c.Participants, login)...)
	}
	peers = lo.Uniq(peers)
	sort.Strings(peers)
	return peers
}
