package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// RequestStart announces that a request was dispatched to an account.
type RequestStart struct {
	RequestID   string `json:"request_id"`
	Method      string `json:"method"`
	Path        string `json:"path"`
	AccountID   string `json:"account_id,omitempty"`
	AccountName string `json:"account_name,omitempty"`
	StatusCode  int    `json:"status_code"`
	TimestampMs int64  `json:"timestamp"`
	Agent       string `json:"agent,omitempty"`
}

// Bus fans request-start events out to subscribers. Publishing never
// blocks the request path; a slow subscriber loses events.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan RequestStart
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan RequestStart)}
}

// Subscribe registers a buffered listener. The returned cancel func must be
// called to release it.
func (b *Bus) Subscribe(buffer int) (<-chan RequestStart, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan RequestStart, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has room.
func (b *Bus) Publish(ev RequestStart) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Debug().Str("request_id", ev.RequestID).Msg("event subscriber full, dropping")
		}
	}
}

// SubscriberCount reports the number of live listeners.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
