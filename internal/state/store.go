package state

import (
	"sort"
	"sync"

	"github.com/anunciaya/chatd/internal/bus"
	"github.com/anunciaya/chatd/internal/model"
)

// Store is the single owner of all chat session state: the chat list,
// per-chat message lists, the presence map, the typing map and the pin sets.
// Components mutate it only through the named operations below; every
// mutation publishes a domain event so the UI layer can react. State lives
// in memory for the duration of the session.
type Store struct {
	mu  sync.RWMutex
	bus *bus.Bus

	chats    map[string]*model.Chat
	messages map[string][]model.Message
	loaded   map[string]bool
	// buffered holds inbound messages for chats whose history has not been
	// loaded yet; MergeHistory drains it.
	buffered map[string][]model.Message
	presence map[string]model.Status
	typing   map[string]string
	pins     map[string][]string
}

// MessageEvent is the payload for message.* events.
type MessageEvent struct {
	ChatID    string
	MessageID string
}

// ChatEvent is the payload for chat.* and pins.* events.
type ChatEvent struct {
	ChatID string
}

// PresenceEvent is the payload for presence.changed events.
type PresenceEvent struct {
	UserID string
	Status model.Status
}

// TypingEvent is the payload for typing.changed events. UserID is empty when
// the indicator cleared.
type TypingEvent struct {
	ChatID string
	UserID string
}

// New creates an empty store publishing on b.
func New(b *bus.Bus) *Store {
	return &Store{
		bus:      b,
		chats:    make(map[string]*model.Chat),
		messages: make(map[string][]model.Message),
		loaded:   make(map[string]bool),
		buffered: make(map[string][]model.Message),
		presence: make(map[string]model.Status),
		typing:   make(map[string]string),
		pins:     make(map[string][]string),
	}
}

func (s *Store) emit(kind string, payload any) {
	if s.bus != nil {
		s.bus.Emit(kind, payload)
	}
}

// ---- chats ----

// ReplaceChats replaces the whole chat list (initial load / refresh).
func (s *Store) ReplaceChats(chats []model.Chat) {
	s.mu.Lock()
	s.chats = make(map[string]*model.Chat, len(chats))
	for i := range chats {
		c := chats[i]
		s.chats[c.ID] = &c
	}
	s.mu.Unlock()
	s.emit(bus.KindChatListReplaced, len(chats))
}

// UpsertChat inserts or replaces a single chat.
func (s *Store) UpsertChat(c model.Chat) {
	s.mu.Lock()
	s.chats[c.ID] = &c
	s.mu.Unlock()
	s.emit(bus.KindChatUpdated, ChatEvent{ChatID: c.ID})
}

// Chat returns a copy of the chat, if known.
func (s *Store) Chat(id string) (model.Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	if !ok {
		return model.Chat{}, false
	}
	return *c, true
}

// Chats returns all chats ordered by last activity, newest first.
func (s *Store) Chats() []model.Chat {
	s.mu.RLock()
	out := make([]model.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, *c)
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

// SetFavorite flips the favorite flag and returns the prior value so the
// caller can roll back on server rejection.
func (s *Store) SetFavorite(chatID string, v bool) (prev bool, err error) {
	s.mu.Lock()
	c, ok := s.chats[chatID]
	if !ok {
		s.mu.Unlock()
		return false, model.ErrChatNotFound
	}
	prev = c.IsFavorite
	c.IsFavorite = v
	s.mu.Unlock()
	s.emit(bus.KindChatUpdated, ChatEvent{ChatID: chatID})
	return prev, nil
}

// SetBlocked flips the blocked-by-me flag and returns the prior value.
func (s *Store) SetBlocked(chatID string, v bool) (prev bool, err error) {
	s.mu.Lock()
	c, ok := s.chats[chatID]
	if !ok {
		s.mu.Unlock()
		return false, model.ErrChatNotFound
	}
	prev = c.IsBlockedByMe
	c.IsBlockedByMe = v
	s.mu.Unlock()
	s.emit(bus.KindChatUpdated, ChatEvent{ChatID: chatID})
	return prev, nil
}

// ---- messages ----

// AppendLocal appends an optimistic, client-originated message. The caller
// guarantees id uniqueness (temp ids).
func (s *Store) AppendLocal(msg model.Message) {
	s.mu.Lock()
	s.messages[msg.ChatID] = append(s.messages[msg.ChatID], msg)
	s.touchChatLocked(msg)
	s.mu.Unlock()
	s.emit(bus.KindMessageAdded, MessageEvent{ChatID: msg.ChatID, MessageID: msg.ID})
}

// Ingest applies a server-sourced inbound message. Returns true when the
// message is new (the caller fires the notification side effect exactly
// once per unique inbound message). Duplicates by id, and server echoes of
// still-pending local sends, are ignored.
func (s *Store) Ingest(msg model.Message) (inserted bool) {
	s.mu.Lock()
	if !s.loaded[msg.ChatID] {
		if containsMessage(s.buffered[msg.ChatID], msg) || containsMessage(s.messages[msg.ChatID], msg) {
			s.mu.Unlock()
			return false
		}
		s.buffered[msg.ChatID] = append(s.buffered[msg.ChatID], msg)
		s.touchChatLocked(msg)
		s.mu.Unlock()
		s.emit(bus.KindChatUpdated, ChatEvent{ChatID: msg.ChatID})
		return true
	}

	if containsMessage(s.messages[msg.ChatID], msg) {
		s.mu.Unlock()
		return false
	}
	s.messages[msg.ChatID] = append(s.messages[msg.ChatID], msg)
	s.touchChatLocked(msg)
	s.mu.Unlock()
	s.emit(bus.KindMessageAdded, MessageEvent{ChatID: msg.ChatID, MessageID: msg.ID})
	return true
}

// MergeHistory merges a page of persisted messages into the chat's list,
// deduplicating by id, then re-sorts by CreatedAt ascending (ties keep
// arrival order). The inbound buffer for the chat is drained into the same
// merge. Returns the number of messages added.
func (s *Store) MergeHistory(chatID string, page []model.Message) int {
	s.mu.Lock()
	existing := s.messages[chatID]
	seen := make(map[string]struct{}, len(existing))
	for _, m := range existing {
		seen[m.ID] = struct{}{}
	}

	added := 0
	for _, m := range page {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		existing = append(existing, m)
		added++
	}
	for _, m := range s.buffered[chatID] {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		existing = append(existing, m)
		added++
	}
	delete(s.buffered, chatID)

	sort.SliceStable(existing, func(i, j int) bool {
		return existing[i].CreatedAt.Before(existing[j].CreatedAt)
	})
	s.messages[chatID] = existing
	s.loaded[chatID] = true
	s.mu.Unlock()

	if added > 0 {
		s.emit(bus.KindMessageUpdated, MessageEvent{ChatID: chatID})
	}
	return added
}

// ResolvePending replaces the pending entry identified by tempID with the
// server-confirmed message, preserving its list position. Returns false if
// no such pending entry exists — an ack must never create an entry, so a
// late or duplicate ack is dropped. If the confirmed id already arrived via
// the inbound path, the temp entry is removed instead of duplicated.
func (s *Store) ResolvePending(chatID, tempID string, confirmed model.Message) bool {
	s.mu.Lock()
	list := s.messages[chatID]
	idx := indexByID(list, tempID)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}

	if j := indexByID(list, confirmed.ID); j >= 0 && j != idx {
		s.messages[chatID] = append(list[:idx], list[idx+1:]...)
	} else {
		list[idx] = confirmed
	}
	s.mu.Unlock()
	s.emit(bus.KindMessageUpdated, MessageEvent{ChatID: chatID, MessageID: confirmed.ID})
	return true
}

// MarkFailed transitions a pending message to failed, leaving its content
// unchanged so the UI can offer a retry.
func (s *Store) MarkFailed(chatID, tempID string) bool {
	s.mu.Lock()
	list := s.messages[chatID]
	idx := indexByID(list, tempID)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	list[idx].Delivery = model.DeliveryFailed
	s.mu.Unlock()
	s.emit(bus.KindMessageUpdated, MessageEvent{ChatID: chatID, MessageID: tempID})
	return true
}

// ApplyEdit replaces a message's text in place.
func (s *Store) ApplyEdit(chatID, msgID, text string) bool {
	s.mu.Lock()
	list := s.messages[chatID]
	idx := indexByID(list, msgID)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	list[idx].Text = text
	s.mu.Unlock()
	s.emit(bus.KindMessageUpdated, MessageEvent{ChatID: chatID, MessageID: msgID})
	return true
}

// RemoveMessage deletes a message from the chat's list.
func (s *Store) RemoveMessage(chatID, msgID string) bool {
	s.mu.Lock()
	list := s.messages[chatID]
	idx := indexByID(list, msgID)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.messages[chatID] = append(list[:idx], list[idx+1:]...)
	s.mu.Unlock()
	s.emit(bus.KindMessageRemoved, MessageEvent{ChatID: chatID, MessageID: msgID})
	return true
}

// Messages returns a copy of the chat's message list.
func (s *Store) Messages(chatID string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.messages[chatID]
	out := make([]model.Message, len(list))
	copy(out, list)
	return out
}

// Loaded reports whether the chat's history has been loaded.
func (s *Store) Loaded(chatID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded[chatID]
}

// ---- presence ----

// SetPresenceSnapshot replaces the whole presence map (sent once after each
// successful connection).
func (s *Store) SetPresenceSnapshot(snapshot map[string]model.Status) {
	s.mu.Lock()
	s.presence = make(map[string]model.Status, len(snapshot))
	for id, st := range snapshot {
		s.presence[id] = st
	}
	s.mu.Unlock()
	s.emit(bus.KindPresenceChanged, PresenceEvent{})
}

// PatchPresence updates exactly one user's status.
func (s *Store) PatchPresence(userID string, st model.Status) {
	s.mu.Lock()
	s.presence[userID] = st
	s.mu.Unlock()
	s.emit(bus.KindPresenceChanged, PresenceEvent{UserID: userID, Status: st})
}

// PresenceStatus returns the last received status; unknown users are offline.
func (s *Store) PresenceStatus(userID string) model.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.presence[userID]; ok {
		return st
	}
	return model.StatusOffline
}

// ---- typing ----

// SetTyping records that userID is typing in chatID.
func (s *Store) SetTyping(chatID, userID string) {
	s.mu.Lock()
	changed := s.typing[chatID] != userID
	s.typing[chatID] = userID
	s.mu.Unlock()
	if changed {
		s.emit(bus.KindTypingChanged, TypingEvent{ChatID: chatID, UserID: userID})
	}
}

// ClearTyping clears the typing indicator. Clearing an already-clear entry
// is harmless (stop event racing the auto-expiry).
func (s *Store) ClearTyping(chatID string) {
	s.mu.Lock()
	_, had := s.typing[chatID]
	delete(s.typing, chatID)
	s.mu.Unlock()
	if had {
		s.emit(bus.KindTypingChanged, TypingEvent{ChatID: chatID})
	}
}

// TypingUser returns the user currently typing in the chat, or "".
func (s *Store) TypingUser(chatID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.typing[chatID]
}

// ---- pins ----

// SetPins replaces the chat's pin set with the server's authoritative list.
func (s *Store) SetPins(chatID string, ids []string) {
	s.mu.Lock()
	s.pins[chatID] = append([]string(nil), ids...)
	s.mu.Unlock()
	s.emit(bus.KindPinsChanged, ChatEvent{ChatID: chatID})
}

// AddPin appends a pinned message id. Returns false if already pinned.
func (s *Store) AddPin(chatID, msgID string) bool {
	s.mu.Lock()
	for _, id := range s.pins[chatID] {
		if id == msgID {
			s.mu.Unlock()
			return false
		}
	}
	s.pins[chatID] = append(s.pins[chatID], msgID)
	s.mu.Unlock()
	s.emit(bus.KindPinsChanged, ChatEvent{ChatID: chatID})
	return true
}

// RemovePin removes a pinned message id. Returns false if it was not pinned.
func (s *Store) RemovePin(chatID, msgID string) bool {
	s.mu.Lock()
	list := s.pins[chatID]
	for i, id := range list {
		if id == msgID {
			s.pins[chatID] = append(list[:i], list[i+1:]...)
			s.mu.Unlock()
			s.emit(bus.KindPinsChanged, ChatEvent{ChatID: chatID})
			return true
		}
	}
	s.mu.Unlock()
	return false
}

// Pins returns a copy of the chat's ordered pin set.
func (s *Store) Pins(chatID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.pins[chatID]...)
}

// PinCount returns the number of pinned messages in the chat.
func (s *Store) PinCount(chatID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pins[chatID])
}

// ---- helpers ----

// touchChatLocked updates the chat's denormalized preview, creating a
// placeholder chat when a message arrives for an unknown conversation.
func (s *Store) touchChatLocked(msg model.Message) {
	c, ok := s.chats[msg.ChatID]
	if !ok {
		c = &model.Chat{ID: msg.ChatID}
		s.chats[msg.ChatID] = c
	}
	if msg.CreatedAt.After(c.LastMessageAt) || c.LastMessageAt.IsZero() {
		c.LastMessageAt = msg.CreatedAt
		c.LastMessagePreview = truncate(msg.Text, 100)
	}
}

// containsMessage reports a duplicate either by id or, for pending local
// sends, by the echo signature — the server delivering the sender's own
// echo before the ack resolves the temp id.
func containsMessage(list []model.Message, msg model.Message) bool {
	sig := msg.EchoSignature()
	for _, m := range list {
		if m.ID == msg.ID {
			return true
		}
		if m.Delivery == model.DeliveryPending && m.EchoSignature() == sig {
			return true
		}
	}
	return false
}

func indexByID(list []model.Message, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
