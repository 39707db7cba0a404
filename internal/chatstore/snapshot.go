package chatstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const snapshotVersion = 1

type snapshot struct {
	Version  int                  `json:"version"`
	Chats    []Chat               `json:"chats"`
	Contacts []Contact            `json:"contacts"`
	Messages map[string][]Message `json:"messages"`
}

// Save writes the store to path through a temp file and rename.
func (s *Store) Save(path string) error {
	s.mu.RLock()
	snap := s.snapshotLocked()
	rev := s.rev
	s.mu.RUnlock()

	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("chatstore: encode snapshot: %w", err)
	}
	if err := writeFile(path, b, 0o600); err != nil {
		return fmt.Errorf("chatstore: write %s: %w", path, err)
	}

	s.mu.Lock()
	if rev > s.savedRev {
		s.savedRev = rev
	}
	s.mu.Unlock()
	return nil
}

// Load replaces the store contents with the snapshot at path. A missing file
// leaves the store empty.
func (s *Store) Load(path string) error {
	b, err := readFile(path)
	if err != nil {
		return fmt.Errorf("chatstore: read %s: %w", path, err)
	}
	if b == nil {
		return nil
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("chatstore: decode %s: %w", path, err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("chatstore: unsupported snapshot version %d", snap.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = make(map[string]*Chat, len(snap.Chats))
	s.contacts = make(map[string]Contact, len(snap.Contacts))
	s.messages = make(map[string][]Message, len(snap.Messages))
	for _, chat := range snap.Chats {
		c := chat
		s.chats[c.JID] = &c
	}
	for _, contact := range snap.Contacts {
		s.contacts[contact.JID] = contact
	}
	for _, msgs := range snap.Messages {
		for _, msg := range msgs {
			if msg.Chat == "" || msg.ID == "" {
				continue
			}
			s.addLocked(msg)
		}
	}
	s.savedRev = s.rev
	return nil
}

func (s *Store) snapshotLocked() snapshot {
	snap := snapshot{
		Version:  snapshotVersion,
		Chats:    make([]Chat, 0, len(s.chats)),
		Contacts: make([]Contact, 0, len(s.contacts)),
		Messages: make(map[string][]Message, len(s.messages)),
	}
	for _, chat := range s.chats {
		snap.Chats = append(snap.Chats, *chat)
	}
	sort.Slice(snap.Chats, func(i, j int) bool { return snap.Chats[i].JID < snap.Chats[j].JID })
	for _, contact := range s.contacts {
		snap.Contacts = append(snap.Contacts, contact)
	}
	sort.Slice(snap.Contacts, func(i, j int) bool { return snap.Contacts[i].JID < snap.Contacts[j].JID })
	for chat, msgs := range s.messages {
		snap.Messages[chat] = append([]Message(nil), msgs...)
	}
	return snap
}

// readFile reads path; a missing file returns nil, nil.
func readFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// writeFile writes b to a temp file beside path, then renames it over path.
func writeFile(path string, b []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
