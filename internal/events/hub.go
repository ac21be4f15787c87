// Package events is the in-process lifecycle feed served on /events.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the dispatcher and the API.
const (
	TypeSubmitted  = "submission.submitted"
	TypeLaunched   = "submission.launched"
	TypeSkipped    = "submission.skipped"
	TypeFinished   = "submission.finished"
	TypeReconciled = "submission.reconciled"
	TypeCancelled  = "submission.cancelled"
	TypeCurated    = "submission.curated"
)

type Event struct {
	ID       int64           `json:"id"`
	Type     string          `json:"type"`
	SourceID string          `json:"source_id,omitempty"`
	At       time.Time       `json:"at"`
	Data     json.RawMessage `json:"data"`
}

// Hub fans events out to subscribers and keeps the most recent ones in a
// ring so late readers can catch up.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish records an event. A nil Hub drops it.
func (h *Hub) Publish(eventType, sourceID string, data any) {
	if h == nil {
		return
	}
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}
	ev := Event{
		ID:       h.nextID.Add(1),
		Type:     eventType,
		SourceID: sourceID,
		At:       time.Now().UTC(),
		Data:     payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Slow subscribers lose events rather than block producers.
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe returns a buffered channel of new events and a cancel func that
// closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 64)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Since returns buffered events with ID > lastID, oldest first, optionally
// restricted to one source_id.
func (h *Hub) Since(lastID int64, sourceID string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID <= lastID {
			continue
		}
		if sourceID != "" && ev.SourceID != sourceID {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
