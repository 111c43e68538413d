package pipeline

import (
	"context"
	"sync"
	"time"
)

// item is one segmented utterance waiting for transcription: a temp WAV on
// disk plus the metadata the consumer needs.
type item struct {
	Path     string
	Start    time.Time
	Duration time.Duration
}

// queue is an unbounded FIFO between the producer and the consumer. The
// producer must never block on a slow transcription backend, so the queue
// grows without bound; the items are file paths, the audio itself stays on
// disk.
type queue struct {
	mu     sync.Mutex
	items  []item
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newQueue() *queue {
	return &queue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push appends it and wakes a waiting pop.
func (q *queue) push(it item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks until an item is available and returns it in FIFO order. It
// returns false when ctx is cancelled or the queue was closed and drained.
func (q *queue) pop(ctx context.Context) (item, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return it, true
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-q.done:
			// Drain anything pushed just before close.
			q.mu.Lock()
			empty := len(q.items) == 0
			q.mu.Unlock()
			if empty {
				return item{}, false
			}
		case <-ctx.Done():
			return item{}, false
		}
	}
}

// close ends the queue: pending items can still be popped, then pop returns
// false.
func (q *queue) close() {
	q.once.Do(func() { close(q.done) })
}

// len returns the number of queued items.
func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
