package auth

import "sync"

// Broker fans session-change events out to the subscribers of one session.
// It lives in the API process; subscribers are websocket connections.
type Broker struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]func(Event)
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[uint64]func(Event))}
}

// Subscribe registers fn for events on sessionID. The returned func removes
// the subscription; calling it more than once is a no-op.
func (b *Broker) Subscribe(sessionID string, fn func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[uint64]func(Event))
	}
	b.subs[sessionID][id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.subs[sessionID]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.subs, sessionID)
				}
			}
		})
	}
}

// Publish delivers ev to every current subscriber of sessionID. Callbacks run
// on the caller's goroutine and must not block.
func (b *Broker) Publish(sessionID string, ev Event) {
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.subs[sessionID]))
	for _, fn := range b.subs[sessionID] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (b *Broker) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}
