// Package chatstore keeps an in-memory view of chats, contacts, and recent
// messages, and mirrors it to a JSON snapshot on disk.
package chatstore

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrInvalidMessage = errors.New("chatstore: message requires chat and id")

const DefaultMaxMessagesPerChat = 500

// Message is one stored message. Raw holds the marshaled protobuf so the
// transport can resend it on a retry receipt.
type Message struct {
	ID        string    `json:"id"`
	Chat      string    `json:"chat"`
	Sender    string    `json:"sender,omitempty"`
	FromMe    bool      `json:"from_me"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Raw       []byte    `json:"raw,omitempty"`
}

type Chat struct {
	JID           string    `json:"jid"`
	Name          string    `json:"name,omitempty"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
	Messages      int       `json:"messages"`
}

type Contact struct {
	JID      string `json:"jid"`
	PushName string `json:"push_name,omitempty"`
}

// Store is safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	maxPerChat int
	chats      map[string]*Chat
	contacts   map[string]Contact
	messages   map[string][]Message
	rev        uint64
	savedRev   uint64
}

// New returns an empty store. maxPerChat <= 0 uses DefaultMaxMessagesPerChat.
func New(maxPerChat int) *Store {
	if maxPerChat <= 0 {
		maxPerChat = DefaultMaxMessagesPerChat
	}
	return &Store{
		maxPerChat: maxPerChat,
		chats:      make(map[string]*Chat),
		contacts:   make(map[string]Contact),
		messages:   make(map[string][]Message),
	}
}

// AddMessage inserts or replaces msg by id. Each chat keeps the newest
// maxPerChat messages in timestamp order.
func (s *Store) AddMessage(msg Message) error {
	msg.Chat = strings.TrimSpace(msg.Chat)
	msg.ID = strings.TrimSpace(msg.ID)
	if msg.Chat == "" || msg.ID == "" {
		return ErrInvalidMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(msg)
	s.rev++
	return nil
}

// AddMessages inserts a batch under one lock, skipping invalid entries.
func (s *Store) AddMessages(msgs []Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, msg := range msgs {
		msg.Chat = strings.TrimSpace(msg.Chat)
		msg.ID = strings.TrimSpace(msg.ID)
		if msg.Chat == "" || msg.ID == "" {
			continue
		}
		s.addLocked(msg)
		added++
	}
	if added > 0 {
		s.rev++
	}
	return added
}

func (s *Store) addLocked(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	list := s.messages[msg.Chat]
	replaced := false
	for i := range list {
		if list[i].ID == msg.ID {
			list[i] = msg
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, msg)
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Timestamp.Before(list[j].Timestamp)
	})
	if len(list) > s.maxPerChat {
		list = append([]Message(nil), list[len(list)-s.maxPerChat:]...)
	}
	s.messages[msg.Chat] = list

	chat := s.chatLocked(msg.Chat)
	chat.Messages = len(list)
	if last := list[len(list)-1].Timestamp; last.After(chat.LastMessageAt) {
		chat.LastMessageAt = last
	}
}

func (s *Store) chatLocked(jid string) *Chat {
	chat, ok := s.chats[jid]
	if !ok {
		chat = &Chat{JID: jid}
		s.chats[jid] = chat
	}
	return chat
}

// UpsertChat records a chat and, when name is non-empty, its display name.
func (s *Store) UpsertChat(jid, name string) {
	jid = strings.TrimSpace(jid)
	if jid == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	chat := s.chatLocked(jid)
	if name = strings.TrimSpace(name); name != "" {
		chat.Name = name
	}
	s.rev++
}

func (s *Store) SetContactName(jid, pushName string) {
	jid = strings.TrimSpace(jid)
	if jid == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.contacts[jid]; ok && existing.PushName == pushName {
		return
	}
	s.contacts[jid] = Contact{JID: jid, PushName: pushName}
	s.rev++
}

// Message looks up one message by chat and id.
func (s *Store) Message(chat, id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, msg := range s.messages[chat] {
		if msg.ID == id {
			return msg, true
		}
	}
	return Message{}, false
}

// Chats returns chats with the most recent activity first.
func (s *Store) Chats() []Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Chat, 0, len(s.chats))
	for _, chat := range s.chats {
		out = append(out, *chat)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].JID < out[j].JID
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

// Messages returns up to limit of the newest messages in chat, oldest first.
// limit <= 0 returns all stored messages.
func (s *Store) Messages(chat string, limit int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.messages[chat]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return append([]Message(nil), list...)
}

func (s *Store) Contact(jid string) (Contact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[jid]
	return c, ok
}

// Dirty reports whether the store changed since the last Save or Load.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rev != s.savedRev
}
