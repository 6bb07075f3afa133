package events

import (
	"sync"
	"time"
)

// Type identifies a recorder lifecycle event
type Type string

const (
	TypeConnected      Type = "connected"
	TypeConnectionLost Type = "connection_lost"
	TypeSessionStarted Type = "session_started"
	TypeSessionStopped Type = "session_stopped"
	TypeSessionFailed  Type = "session_failed"
	TypeFrameRejected  Type = "frame_rejected"
	TypeWriteFailed    Type = "write_failed"
)

// Event is a single notification sent to subscribers
type Event struct {
	Type    Type              `json:"type"`
	Time    time.Time         `json:"time"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Publisher accepts events; a nil Publisher is not allowed, use Discard instead
type Publisher interface {
	Publish(evt Event)
}

type discard struct{}

func (discard) Publish(Event) {}

// Discard drops every event
var Discard Publisher = discard{}

// Bus fans events out to any number of subscribers.
// Publish never blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Publish stamps evt and delivers it to every subscriber
func (b *Bus) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe registers a new subscriber; call the returned func to unsubscribe
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
			b.mu.Unlock()
		})
	}
}

// Close closes every subscriber channel
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
