package memory

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

// DelayQueue holds retry items until their NotBefore time and then forwards
// them to the target queue.
type DelayQueue struct {
	target scrape.Queue
	now    func() time.Time

	mu     sync.Mutex
	items  itemHeap
	wakeCh chan struct{}
}

// NewDelayQueue builds a delay queue feeding target.
func NewDelayQueue(target scrape.Queue, now func() time.Time) *DelayQueue {
	if now == nil {
		now = time.Now
	}
	return &DelayQueue{
		target: target,
		now:    now,
		wakeCh: make(chan struct{}, 1),
	}
}

// Schedule adds an item; it becomes eligible at item.NotBefore.
func (d *DelayQueue) Schedule(item scrape.QueueItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	heap.Push(&d.items, item)
	d.mu.Unlock()
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

// Len reports the number of items still waiting.
func (d *DelayQueue) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.items.Len()
}

// Run forwards due items until ctx ends. Forwarding blocks when the target
// queue is full, so retries are never dropped.
func (d *DelayQueue) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		item, wait, ok := d.next()
		if ok {
			if err := d.target.Enqueue(ctx, item); err != nil {
				d.mu.Lock()
				heap.Push(&d.items, item)
				d.mu.Unlock()
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return nil
		case <-d.wakeCh:
		case <-timer.C:
		}
	}
}

// next pops the earliest item if it is due, otherwise reports how long to wait.
func (d *DelayQueue) next() (scrape.QueueItem, time.Duration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.items.Len() == 0 {
		return scrape.QueueItem{}, time.Hour, false
	}
	head := d.items[0]
	if wait := head.NotBefore.Sub(d.now()); wait > 0 {
		return scrape.QueueItem{}, wait, false
	}
	return heap.Pop(&d.items).(scrape.QueueItem), 0, true
}

type itemHeap []scrape.QueueItem

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return h[i].NotBefore.Before(h[j].NotBefore) }
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(scrape.QueueItem)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
