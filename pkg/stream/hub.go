// Package stream fans execution events out to live subscribers. The gateway
// bridges a project's hub feed onto websocket clients; the engine feeds the
// hub through a post-execution hook.
package stream

import (
	"encoding/json"
	"sync"
	"time"

	"warden/pkg/models"
)

// Event types published by the gateway wiring.
const (
	TypeExecution = "execution"
	TypeRevert    = "revert"
)

type Event struct {
	Type      string          `json:"type"`
	ProjectID string          `json:"project_id,omitempty"`
	At        string          `json:"at"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType, projectID string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{
		Type:      eventType,
		ProjectID: projectID,
		At:        time.Now().UTC().Format(time.RFC3339Nano),
		Data:      raw,
	}
}

// ExecutionEvent wraps a committed result for streaming. The simulated and
// in-memory-only fields never reach subscribers.
func ExecutionEvent(projectID string, res *models.ExecutionResult) Event {
	eventType := TypeExecution
	if res.ActionID == "system.revert" {
		eventType = TypeRevert
	}
	return NewEvent(eventType, projectID, res)
}

type subscriber struct {
	projectID string // empty subscribes to every project
	ch        chan Event
}

// Hub is an in-process pub/sub fan-out. Slow subscribers drop events rather
// than block publishers.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]*subscriber
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]*subscriber{}}
}

// Subscribe registers a listener for one project's events; an empty
// projectID receives everything.
func (h *Hub) Subscribe(projectID string, buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = &subscriber{projectID: projectID, ch: ch}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, sub := range h.subs {
		if sub.projectID != "" && sub.projectID != evt.ProjectID {
			continue
		}
		select {
		case ch <- evt:
		default:
		}
	}
}

// EngineHook adapts the hub into an engine post-execution hook.
func (h *Hub) EngineHook() func(projectID string, res *models.ExecutionResult) {
	return func(projectID string, res *models.ExecutionResult) {
		h.Publish(ExecutionEvent(projectID, res))
	}
}
