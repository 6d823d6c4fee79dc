// Package memory provides the in-process work queues used by the dispatcher.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = scrape.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations. Items
// are validated on the way in and on the way out.
type Queue struct {
	ch        chan scrape.QueueItem
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:   make(chan scrape.QueueItem, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes an item, blocking while the queue is full until the
// context ends.
func (q *Queue) Enqueue(ctx context.Context, item scrape.QueueItem) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item, respecting context cancellation. Buffered
// items are still handed out after Close.
func (q *Queue) Dequeue(ctx context.Context) (scrape.QueueItem, error) {
	for {
		var item scrape.QueueItem
		select {
		case item = <-q.ch:
		default:
			select {
			case <-ctx.Done():
				return scrape.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			case <-q.done:
				select {
				case item = <-q.ch:
				default:
					return scrape.QueueItem{}, ErrClosed
				}
			case item = <-q.ch:
			}
		}
		if err := item.Validate(); err != nil {
			// Dropped rather than returned so a single bad item cannot wedge a worker.
			continue
		}
		return item, nil
	}
}

// Len reports the number of buffered items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap reports the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Close stops accepting new items. Safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}
