package engine

import (
	"container/list"
	"sync"

	"github.com/google/uuid"
)

// readyQueue is the FIFO queue of runs awaiting a worker slot. Enqueue,
// pop-front, and remove-by-id are all O(1): a linked list keeps order, a
// map indexes elements by run ID.
type readyQueue struct {
	mu    sync.Mutex
	order *list.List
	index map[uuid.UUID]*list.Element
}

func newReadyQueue() *readyQueue {
	return &readyQueue{
		order: list.New(),
		index: make(map[uuid.UUID]*list.Element),
	}
}

// push appends the run ID; a duplicate is ignored.
func (q *readyQueue) push(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.index[id]; ok {
		return
	}
	q.index[id] = q.order.PushBack(id)
}

// pop removes and returns the oldest queued run ID.
func (q *readyQueue) pop() (uuid.UUID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.order.Front()
	if front == nil {
		return uuid.Nil, false
	}
	id := front.Value.(uuid.UUID)
	q.order.Remove(front)
	delete(q.index, id)
	return id, true
}

// remove deletes the run ID wherever it sits in the queue.
func (q *readyQueue) remove(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	el, ok := q.index[id]
	if !ok {
		return false
	}
	q.order.Remove(el)
	delete(q.index, id)
	return true
}

func (q *readyQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}
