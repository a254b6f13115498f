package auto

import "sync"

// Queue is a FIFO of groups. Push is safe from any goroutine; Pop is meant
// for a single consumer.
type Queue struct {
	mu    sync.Mutex
	items []*Group
}

// Push appends g and returns the resulting depth.
func (q *Queue) Push(g *Group) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, g)
	return len(q.items)
}

// Pop removes the oldest group. ok is false when the queue is empty.
func (q *Queue) Pop() (*Group, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	g := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return g, true
}

// Len returns the number of queued groups.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
