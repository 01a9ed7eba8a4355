package relay

import "sync"

// Queue is the pending submission deque. Intake appends to the back; the
// dispatcher drains it whole at each tick and may re-insert a failed batch's
// remainder at the front so the retry keeps its original order.
type Queue struct {
	mu    sync.Mutex
	items []*Submission
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// PushBack appends a submission in FIFO position.
func (q *Queue) PushBack(s *Submission) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, s)
	return len(q.items)
}

// PushFront re-inserts submissions ahead of everything pending, preserving
// their relative order.
func (q *Queue) PushFront(subs []*Submission) int {
	if len(subs) == 0 {
		return q.Len()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := make([]*Submission, 0, len(subs)+len(q.items))
	merged = append(merged, subs...)
	merged = append(merged, q.items...)
	q.items = merged
	return len(q.items)
}

// DrainAll atomically removes and returns every pending submission.
func (q *Queue) DrainAll() []*Submission {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.items
	q.items = nil
	return batch
}

// Len reports the current depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
