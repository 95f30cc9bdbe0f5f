package notify

import (
	"strings"
	"sync"
)

// Status is the wire-level state of a task notification.
type Status string

const (
	StatusProgress Status = "PROGRESS"
	StatusComplete Status = "COMPLETE"
	StatusError    Status = "ERROR"
	StatusCanceled Status = "CANCELED"
)

// Message is the payload pushed to live-update channels. For StatusProgress,
// Progress is a percentage in [0,100] and Note carries the human-readable
// description; for terminal statuses Value or Error is set.
type Message struct {
	TaskID   string  `json:"taskId"`
	Status   Status  `json:"status"`
	Progress float64 `json:"progress,omitempty"`
	Note     string  `json:"message,omitempty"`
	Value    any     `json:"value,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// Notifier pushes a message to one channel. The engine depends on nothing
// else from the transport.
type Notifier interface {
	Notify(channelID string, msg Message)
}

// Hub is an in-process Notifier that fans messages out to subscribed
// receivers. Websocket sessions attach through the same subscription
// mechanism (see wshub.go).
type Hub struct {
	mu   sync.RWMutex
	subs map[string][]chan Message
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string][]chan Message)}
}

// Subscribe registers a receiver for the channel and returns the feed plus a
// cancel function. The feed is buffered; a receiver that falls behind loses
// the oldest undelivered message rather than blocking the engine.
func (h *Hub) Subscribe(channelID string) (<-chan Message, func()) {
	ch := make(chan Message, 32)
	id := strings.TrimSpace(channelID)
	h.mu.Lock()
	h.subs[id] = append(h.subs[id], ch)
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		list := h.subs[id]
		for i, c := range list {
			if c == ch {
				h.subs[id] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(h.subs[id]) == 0 {
			delete(h.subs, id)
		}
	}
	return ch, cancel
}

// Notify delivers msg to every subscriber of the channel. Delivery never
// blocks the caller.
func (h *Hub) Notify(channelID string, msg Message) {
	if h == nil {
		return
	}
	id := strings.TrimSpace(channelID)
	if id == "" {
		return
	}
	h.mu.RLock()
	list := append([]chan Message(nil), h.subs[id]...)
	h.mu.RUnlock()
	for _, ch := range list {
		select {
		case ch <- msg:
		default:
			// Drop the oldest queued message to make room for the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- msg:
			default:
			}
		}
	}
}
