// Package livelog fans out terminal output of running attempts to live
// subscribers, replaying what was already written to late joiners.
package livelog

import (
	"errors"
	"fmt"
	"sync"
)

var ErrNotFound = errors.New("live log not found")

// maxFinished is how many closed logs are kept for replay.
const maxFinished = 32

// subscriberBuffer is the channel headroom beyond the replayed backlog. A
// subscriber that falls further behind misses lines.
const subscriberBuffer = 64

// Key identifies the live log of one attempt.
type Key struct {
	Project string
	Attempt int
}

func (k Key) String() string {
	return fmt.Sprintf("%s#%d", k.Project, k.Attempt)
}

// Line is one piece of terminal output.
type Line struct {
	Step  int    `json:"step"`
	Text  string `json:"text"`
	Error bool   `json:"error,omitempty"`
}

type subscriber chan Line

type record struct {
	lines       []Line
	subscribers map[int]subscriber
	nextID      int
	closed      bool
}

// Hub keeps live logs in memory and supports subscriptions.
type Hub struct {
	mu       sync.Mutex
	items    map[Key]*record
	finished []Key
}

func NewHub() *Hub {
	return &Hub{items: make(map[Key]*record)}
}

// Open starts a live log for key, replacing any previous one.
func (h *Hub) Open(key Key) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.items[key]; ok {
		old.closeAll()
	}
	h.items[key] = &record{subscribers: make(map[int]subscriber)}
}

// Publish appends line to the log and broadcasts it without blocking.
func (h *Hub) Publish(key Key, line Line) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.items[key]
	if !ok || rec.closed {
		return
	}
	rec.lines = append(rec.lines, line)
	for _, sub := range rec.subscribers {
		select {
		case sub <- line:
		default:
		}
	}
}

// Subscribe returns a channel receiving the backlog followed by new lines.
// The channel is closed when the log is closed or cancel is called.
func (h *Hub) Subscribe(key Key) (<-chan Line, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.items[key]
	if !ok {
		return nil, nil, ErrNotFound
	}

	ch := make(subscriber, len(rec.lines)+subscriberBuffer)
	for _, line := range rec.lines {
		ch <- line
	}
	if rec.closed {
		close(ch)
		return ch, func() {}, nil
	}

	id := rec.nextID
	rec.nextID++
	rec.subscribers[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := rec.subscribers[id]; ok {
				delete(rec.subscribers, id)
				close(sub)
			}
		})
	}
	return ch, cancel, nil
}

// Close ends the log of key. Its lines stay available for replay until
// enough newer logs have been closed.
func (h *Hub) Close(key Key) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.items[key]
	if !ok || rec.closed {
		return
	}
	rec.closeAll()

	h.finished = append(h.finished, key)
	for len(h.finished) > maxFinished {
		oldest := h.finished[0]
		h.finished = h.finished[1:]
		if r, ok := h.items[oldest]; ok && r.closed {
			delete(h.items, oldest)
		}
	}
}

// Active reports whether key has an open log.
func (h *Hub) Active(key Key) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.items[key]
	return ok && !rec.closed
}

func (r *record) closeAll() {
	r.closed = true
	for id, sub := range r.subscribers {
		close(sub)
		delete(r.subscribers, id)
	}
}
