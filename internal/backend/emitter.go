package backend

import "sync"

// AuthEmitter fans auth events out to listeners. Each listener has its own
// Queue, so a slow listener never delays another and every listener sees
// events in emission order.
type AuthEmitter struct {
	mu        sync.Mutex
	next      uint64
	listeners map[uint64]*Queue[AuthEvent]
	closed    bool
}

func NewAuthEmitter() *AuthEmitter {
	return &AuthEmitter{listeners: make(map[uint64]*Queue[AuthEvent])}
}

// Subscribe registers fn. After Close it returns a no-op subscription.
func (e *AuthEmitter) Subscribe(fn func(AuthEvent)) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return SubscriptionFunc(func() {})
	}

	id := e.next
	e.next++
	e.listeners[id] = NewQueue(fn)

	var once sync.Once
	return SubscriptionFunc(func() {
		once.Do(func() {
			e.mu.Lock()
			q, ok := e.listeners[id]
			delete(e.listeners, id)
			e.mu.Unlock()
			if ok {
				q.Close()
			}
		})
	})
}

// Emit queues ev for every current listener.
func (e *AuthEmitter) Emit(ev AuthEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, q := range e.listeners {
		q.Push(ev)
	}
}

// Close unsubscribes every listener and waits for their goroutines.
func (e *AuthEmitter) Close() {
	e.mu.Lock()
	e.closed = true
	queues := make([]*Queue[AuthEvent], 0, len(e.listeners))
	for id, q := range e.listeners {
		queues = append(queues, q)
		delete(e.listeners, id)
	}
	e.mu.Unlock()

	for _, q := range queues {
		q.Close()
	}
}
