// Package lifecycle reports whether the agent is in the foreground. Headless agents are driven by signals.
package lifecycle

import "sync"

// State is the application state.
type State string

const (
	Active     State = "active"
	Inactive   State = "inactive"
	Background State = "background"
)

// Foreground reports whether s counts as user-facing.
func (s State) Foreground() bool { return s == Active }

// Source reports the current state and its transitions.
type Source interface {
	Current() State
	// Subscribe calls fn on every transition until the returned func is called.
	Subscribe(fn func(State)) (unsubscribe func())
}

// Hub is a Source whose state is set by its owner. Subscribers run on the goroutine calling Set, outside
// the hub's lock, in subscription order.
type Hub struct {
	mu    sync.Mutex
	state State
	next  int
	subs  map[int]func(State)
	order []int
}

// NewHub returns a hub in state initial.
func NewHub(initial State) *Hub {
	return &Hub{state: initial, subs: make(map[int]func(State))}
}

func (h *Hub) Current() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Hub) Subscribe(fn func(State)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	h.subs[id] = fn
	h.order = append(h.order, id)
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			for i, v := range h.order {
				if v == id {
					h.order = append(h.order[:i], h.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Set changes the state and notifies subscribers. Setting the current state again is a no-op.
func (h *Hub) Set(s State) {
	h.mu.Lock()
	if h.state == s {
		h.mu.Unlock()
		return
	}
	h.state = s
	fns := make([]func(State), 0, len(h.order))
	for _, id := range h.order {
		fns = append(fns, h.subs[id])
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}
