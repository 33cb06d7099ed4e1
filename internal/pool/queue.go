package pool

import (
	"context"
	"slices"
	"sync"
)

// PreferFunc picks the category to serve next from the non-empty ones.
// Returning an empty or unknown category falls back to the first non-empty
// one in registration order.
type PreferFunc func(categories []string) string

// OrderedPreference prefers categories in the given order.
func OrderedPreference(order ...string) PreferFunc {
	return func(categories []string) string {
		for _, c := range order {
			if slices.Contains(categories, c) {
				return c
			}
		}
		return ""
	}
}

// CategorizedQueue is a set of FIFO queues, one per category.
type CategorizedQueue struct {
	mu     sync.Mutex
	items  map[string][]*Job
	order  []string
	prefer PreferFunc
	// ready is closed and replaced on every push, waking blocked pops.
	ready chan struct{}
}

func NewCategorizedQueue(prefer PreferFunc) *CategorizedQueue {
	if prefer == nil {
		prefer = func([]string) string { return "" }
	}
	return &CategorizedQueue{
		items:  make(map[string][]*Job),
		prefer: prefer,
		ready:  make(chan struct{}),
	}
}

func (q *CategorizedQueue) Push(j *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[j.category]; !ok {
		q.order = append(q.order, j.category)
	}
	q.items[j.category] = append(q.items[j.category], j)
	close(q.ready)
	q.ready = make(chan struct{})
}

// Pop blocks until a job is available or ctx is done.
func (q *CategorizedQueue) Pop(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		if j := q.take(); j != nil {
			q.mu.Unlock()
			return j, nil
		}
		ready := q.ready
		q.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryPop returns the next job without blocking.
func (q *CategorizedQueue) TryPop() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.take()
}

func (q *CategorizedQueue) take() *Job {
	var nonEmpty []string
	for _, c := range q.order {
		if len(q.items[c]) > 0 {
			nonEmpty = append(nonEmpty, c)
		}
	}
	if len(nonEmpty) == 0 {
		return nil
	}
	cat := q.prefer(nonEmpty)
	if len(q.items[cat]) == 0 {
		cat = nonEmpty[0]
	}
	j := q.items[cat][0]
	q.items[cat][0] = nil
	q.items[cat] = q.items[cat][1:]
	return j
}

func (q *CategorizedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, js := range q.items {
		n += len(js)
	}
	return n
}

// Clear empties the queue and returns what was in it.
func (q *CategorizedQueue) Clear() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Job
	for _, c := range q.order {
		out = append(out, q.items[c]...)
	}
	q.items = make(map[string][]*Job)
	q.order = nil
	return out
}
