// Package realtime fans battle events out to live subscribers. It is a side
// channel: events are dropped for subscribers that fall behind, and clients
// re-read authoritative state through the API.
package realtime

import (
	"log/slog"
	"sync"

	"reflexduel/internal/event"
)

const defaultBuffer = 16

type subscriber struct {
	ch chan event.Event
}

type Hub struct {
	mu      sync.Mutex
	subs    map[string]map[*subscriber]struct{}
	buffer  int
	log     *slog.Logger
	dropped uint64
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]map[*subscriber]struct{}),
		buffer: defaultBuffer,
		log:    logger,
	}
}

// Subscribe registers for events of one battle. cancel closes the channel and
// is safe to call more than once.
func (h *Hub) Subscribe(battleID string) (<-chan event.Event, func()) {
	sub := &subscriber{ch: make(chan event.Event, h.buffer)}

	h.mu.Lock()
	set, ok := h.subs[battleID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[battleID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[battleID]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(h.subs, battleID)
				}
			}
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish never blocks.
func (h *Hub) Publish(ev event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[ev.BattleID] {
		select {
		case sub.ch <- ev:
		default:
			h.dropped++
			h.log.Warn("realtime subscriber lagging, event dropped", "battle_id", ev.BattleID, "type", ev.Type)
		}
	}
}

func (h *Hub) Subscribers(battleID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[battleID])
}

func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
