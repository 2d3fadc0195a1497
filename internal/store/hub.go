package store

import (
	"context"
	"log"
	"sync"

	"gwi.com/polychat/internal/metrics"
)

// hub wakes live-query watchers when a chat's messages change. Notifications
// are coalesced: a watcher that has not yet consumed a wake-up gets no second
// one, and re-reads the latest state when it does.
type hub struct {
	mu      sync.Mutex
	watches map[string]map[chan struct{}]struct{} // chat uuid -> watchers
}

func newHub() *hub {
	return &hub{watches: make(map[string]map[chan struct{}]struct{})}
}

func (h *hub) subscribe(chatUUID string) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan struct{}, 1)
	if h.watches[chatUUID] == nil {
		h.watches[chatUUID] = make(map[chan struct{}]struct{})
	}
	h.watches[chatUUID][ch] = struct{}{}
	metrics.LiveSubscribers.Inc()
	return ch
}

func (h *hub) unsubscribe(chatUUID string, ch chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.watches[chatUUID]; ok {
		if _, ok := set[ch]; ok {
			delete(set, ch)
			metrics.LiveSubscribers.Dec()
		}
		if len(set) == 0 {
			delete(h.watches, chatUUID)
		}
	}
}

func (h *hub) notify(chatUUID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.watches[chatUUID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (h *hub) count(chatUUID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watches[chatUUID])
}

// Watch is the live query over a chat's messages. The current list is sent
// immediately, then again after every write that touches the chat. A chat that
// does not exist yet yields an empty list until it is created. The channel is
// closed once ctx is done.
func (s *SQLiteStore) Watch(ctx context.Context, chatClientID string) (<-chan []Message, error) {
	wake := s.hub.subscribe(chatClientID)

	first, err := s.GetMessagesByChatClientID(ctx, chatClientID)
	if err != nil {
		s.hub.unsubscribe(chatClientID, wake)
		return nil, err
	}

	out := make(chan []Message, 1)
	go func() {
		defer close(out)
		defer s.hub.unsubscribe(chatClientID, wake)

		send := func(msgs []Message) bool {
			select {
			case out <- msgs:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send(first) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-wake:
				msgs, err := s.GetMessagesByChatClientID(ctx, chatClientID)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Printf("[Store] Live query refresh failed chat=%s: %v", chatClientID, err)
					continue
				}
				if !send(msgs) {
					return
				}
			}
		}
	}()
	return out, nil
}
