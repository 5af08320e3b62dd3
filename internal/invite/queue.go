package invite

import "sync"

// Queue holds emails whose invitation was accepted but which are not yet visible in
// the directory. Each email appears at most once.
type Queue struct {
	mu    sync.Mutex
	items []string
	set   map[string]struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{set: make(map[string]struct{})}
}

// Add appends email unless it is already queued.
func (q *Queue) Add(email string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.set[email]; ok {
		return false
	}
	q.set[email] = struct{}{}
	q.items = append(q.items, email)
	return true
}

// Contains reports whether email is queued.
func (q *Queue) Contains(email string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.set[email]
	return ok
}

// Remove drops email from the queue.
func (q *Queue) Remove(email string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.set[email]; !ok {
		return
	}
	delete(q.set, email)
	for i, e := range q.items {
		if e == email {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
}

// Len returns the number of queued emails.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns the queued emails in insertion order.
func (q *Queue) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.items))
	copy(out, q.items)
	return out
}
