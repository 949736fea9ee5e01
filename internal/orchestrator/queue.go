package orchestrator

import (
	"container/heap"
	"sync"
	"time"
)

// queueItem is one runnable-task entry. Ordering: higher priority first,
// then earliest enqueue time (FIFO within a priority band).
type queueItem struct {
	taskID   string
	priority int
	enqueued time.Time
	seq      uint64
	index    int
}

type itemHeap []*queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	if !h[i].enqueued.Equal(h[j].enqueued) {
		return h[i].enqueued.Before(h[j].enqueued)
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// taskQueue is a blocking priority queue of runnable task IDs. A task appears
// at most once; re-offering a queued task is a no-op.
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	heap   itemHeap
	queued map[string]bool
	seq    uint64
	closed bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{queued: make(map[string]bool)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Offer makes taskID runnable. Returns false if it was already queued or the
// queue is closed.
func (q *taskQueue) Offer(taskID string, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.queued[taskID] {
		return false
	}
	q.seq++
	heap.Push(&q.heap, &queueItem{
		taskID:   taskID,
		priority: priority,
		enqueued: time.Now(),
		seq:      q.seq,
	})
	q.queued[taskID] = true
	q.cond.Signal()
	return true
}

// Pop blocks until a task is runnable or the queue is closed. The second
// return is false once the queue is closed and drained.
func (q *taskQueue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.heap) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.heap) == 0 {
		return "", false
	}
	item := heap.Pop(&q.heap).(*queueItem)
	delete(q.queued, item.taskID)
	return item.taskID, true
}

// Len returns the number of queued tasks.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Close wakes all blocked Pop callers. Queued entries drain normally.
func (q *taskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
