// Package bus is a multi-subscriber dispatch registry for protocol events.
// Each inbound event fans out to every handler registered for its kind; a
// panicking handler is recovered and logged without affecting the others.
package bus

import (
	"encoding/json"
	"sync"

	"github.com/kejichat/internal/logger"
	"github.com/kejichat/internal/ws"
)

// Handler consumes the raw payload of one event.
type Handler func(payload json.RawMessage)

type Bus struct {
	mu   sync.Mutex
	seq  int
	subs map[ws.EventType]map[int]Handler
}

func New() *Bus {
	return &Bus{subs: make(map[ws.EventType]map[int]Handler)}
}

// Subscribe registers a handler for an event kind and returns its unsubscribe
// function. Unsubscribing is idempotent and safe to call during dispatch,
// including from inside the handler itself.
func (b *Bus) Subscribe(t ws.EventType, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := b.seq
	if b.subs[t] == nil {
		b.subs[t] = make(map[int]Handler)
	}
	b.subs[t][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if hs, ok := b.subs[t]; ok {
			delete(hs, id)
			if len(hs) == 0 {
				delete(b.subs, t)
			}
		}
	}
}

// Dispatch fans the payload out to every handler registered for the kind.
// Handlers run outside the lock against a snapshot, so subscription changes
// mid-dispatch do not affect the current delivery round.
func (b *Bus) Dispatch(t ws.EventType, payload json.RawMessage) {
	b.mu.Lock()
	hs := b.subs[t]
	snapshot := make([]Handler, 0, len(hs))
	for _, h := range hs {
		snapshot = append(snapshot, h)
	}
	b.mu.Unlock()

	for _, h := range snapshot {
		call(t, h, payload)
	}
}

func call(t ws.EventType, h Handler, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("bus handler panic on %s: %v", t, r)
		}
	}()
	h(payload)
}

// Reset drops every subscription. Used on session teardown so no handler can
// fire afterwards.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[ws.EventType]map[int]Handler)
}
