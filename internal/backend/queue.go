package backend

import "sync"

// Queue hands values to fn on a dedicated goroutine, one at a time, in Push
// order. Push never blocks.
type Queue[T any] struct {
	fn func(T)

	mu     sync.Mutex
	items  []T
	closed bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewQueue starts the delivery goroutine.
func NewQueue[T any](fn func(T)) *Queue[T] {
	q := &Queue[T]{
		fn:   fn,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Push enqueues v. It reports false once the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Close drops pending values and waits for the goroutine to exit. A call to
// fn already in progress finishes first, so Close must not be called from fn.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.items = nil
	q.mu.Unlock()

	close(q.stop)
	<-q.done
}

func (q *Queue[T]) run() {
	defer close(q.done)
	for {
		select {
		case <-q.stop:
			return
		case <-q.wake:
		}

		for {
			q.mu.Lock()
			if q.closed || len(q.items) == 0 {
				q.mu.Unlock()
				break
			}
			v := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()

			q.fn(v)
		}
	}
}
