// Package workqueue provides the FIFO handoff between the interrupt
// context and the foreground do-work loop: primary buffer indices queued
// by the immediate classifier for deferred parsing. It also provides an
// IRD-request queue type, which the IOP and stream packages do not use;
// pending IRDs are tracked as per-socket flags in internal/stream.
package workqueue

import (
	"sync"

	"github.com/eapache/queue"
)

// Queue is a thread-safe FIFO. The interrupt context enqueues from
// whatever goroutine detects the bridge IRQ edge; the foreground dequeues
// from DoWork. A mutex guards the otherwise single-threaded eapache queue
// since, unlike the original firmware's single-core ISR/foreground
// interleave, here the two contexts are genuinely concurrent goroutines.
type Queue struct {
	mu sync.Mutex
	q  *queue.Queue
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{q: queue.New()}
}

// Push enqueues an item.
func (q *Queue) Push(item interface{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.q.Add(item)
}

// Pop dequeues the oldest item. ok is false when the queue is empty.
func (q *Queue) Pop() (item interface{}, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.q.Length() == 0 {
		return nil, false
	}
	item = q.q.Remove()
	return item, true
}

// Len reports the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.q.Length()
}

// BufferIndexQueue is a Queue specialized to carry rxpool buffer indices,
// avoiding an interface{} type assertion at every call site.
type BufferIndexQueue struct {
	inner *Queue
}

// NewBufferIndexQueue returns an empty buffer-index queue.
func NewBufferIndexQueue() *BufferIndexQueue {
	return &BufferIndexQueue{inner: New()}
}

// Push enqueues a buffer index pending deferred classification.
func (b *BufferIndexQueue) Push(idx int) {
	b.inner.Push(idx)
}

// Pop dequeues the oldest pending buffer index.
func (b *BufferIndexQueue) Pop() (int, bool) {
	item, ok := b.inner.Pop()
	if !ok {
		return 0, false
	}
	return item.(int), true
}

// Len reports the number of queued buffer indices.
func (b *BufferIndexQueue) Len() int {
	return b.inner.Len()
}

// IRDRequest describes a pending +QIRD/+QSSLRECV follow-up to a "recv"
// URC.
type IRDRequest struct {
	SocketID int
	SSL      bool
	Bytes    int
}

// IRDRequestQueue is a Queue specialized to carry pending IRD requests.
type IRDRequestQueue struct {
	inner *Queue
}

// NewIRDRequestQueue returns an empty IRD-request queue.
func NewIRDRequestQueue() *IRDRequestQueue {
	return &IRDRequestQueue{inner: New()}
}

// Push enqueues a pending IRD request.
func (r *IRDRequestQueue) Push(req IRDRequest) {
	r.inner.Push(req)
}

// Pop dequeues the oldest pending IRD request.
func (r *IRDRequestQueue) Pop() (IRDRequest, bool) {
	item, ok := r.inner.Pop()
	if !ok {
		return IRDRequest{}, false
	}
	return item.(IRDRequest), true
}

// Len reports the number of queued IRD requests.
func (r *IRDRequestQueue) Len() int {
	return r.inner.Len()
}
