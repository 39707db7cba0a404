package session

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingSend tracks one outbound send that has not returned yet.
type PendingSend struct {
	ID       string    `json:"id"`
	To       string    `json:"to"`
	QueuedAt time.Time `json:"queued_at"`
}

// SendLedger stores in-flight sends by id. Sends are not serialized, so the
// ledger may hold several entries at once.
type SendLedger struct {
	mu    sync.RWMutex
	items map[string]PendingSend
}

func NewSendLedger() *SendLedger {
	return &SendLedger{
		items: make(map[string]PendingSend),
	}
}

func (l *SendLedger) Begin(item PendingSend) {
	key := strings.TrimSpace(item.ID)
	if key == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items[key] = item
}

func (l *SendLedger) Finish(id string) {
	key := strings.TrimSpace(id)
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.items, key)
}

func (l *SendLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// List returns pending sends oldest first.
func (l *SendLedger) List() []PendingSend {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]PendingSend, 0, len(l.items))
	for _, item := range l.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	return out
}
