package shardis

import (
	"container/list"
	"sync"
)

type queuedCommand struct {
	name string
	args []string
	res  *Result
}

// offlineQueue holds commands issued while no connection can carry them. It
// never drops: every entry is either drained for sending or rejected by flush.
type offlineQueue struct {
	mu    sync.Mutex
	items *list.List // FIFO of queuedCommand
	limit int        // 0 => unbounded
}

func newOfflineQueue(limit int) *offlineQueue {
	return &offlineQueue{items: list.New(), limit: limit}
}

// push appends an entry; when the queue is at its limit the entry is rejected
// with ErrOfflineQueueFull instead.
func (q *offlineQueue) push(name string, args []string, res *Result) {
	q.mu.Lock()
	if q.limit > 0 && q.items.Len() >= q.limit {
		q.mu.Unlock()
		res.reject(newCommandError("queue", name, ErrOfflineQueueFull))
		return
	}
	q.items.PushBack(queuedCommand{name: name, args: args, res: res})
	q.mu.Unlock()
}

// drain empties the queue and returns its entries in arrival order.
func (q *offlineQueue) drain() []queuedCommand {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queuedCommand, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(queuedCommand))
	}
	q.items.Init()
	return out
}

// flush rejects every queued entry with err.
func (q *offlineQueue) flush(err error) {
	for _, qc := range q.drain() {
		qc.res.reject(err)
	}
}

func (q *offlineQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
