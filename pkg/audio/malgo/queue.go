package malgo

import "sync"

// Queue is a bounded FIFO of interleaved PCM samples shared between a device
// callback and the relay. Reads never block: missing samples are returned as
// silence. When a write would exceed the limit, the oldest samples are
// discarded so latency cannot grow without bound.
//
// Queue is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	buf     []int16
	limit   int // 0 = unbounded
	dropped uint64
}

// NewQueue returns a queue holding at most limit samples. A limit of zero
// disables the bound.
func NewQueue(limit int) *Queue {
	return &Queue{limit: max(limit, 0)}
}

// SetLimit changes the sample bound, trimming the oldest samples if the queue
// is already over it.
func (q *Queue) SetLimit(limit int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.limit = max(limit, 0)
	q.trimLocked()
}

// Enqueue appends a copy of pcm.
func (q *Queue) Enqueue(pcm []int16) {
	if len(pcm) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = append(q.buf, pcm...)
	q.trimLocked()
}

// Dequeue fills dst from the head of the queue and zero-fills whatever the
// queue could not supply. It returns the number of real samples copied.
func (q *Queue) Dequeue(dst []int16) int {
	q.mu.Lock()
	n := copy(dst, q.buf)
	q.buf = q.buf[n:]
	if len(q.buf) == 0 {
		q.buf = nil
	}
	q.mu.Unlock()

	clear(dst[n:])
	return n
}

// Len returns the number of queued samples.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Dropped returns how many samples were discarded by the bound so far.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Reset discards all queued samples.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = nil
}

func (q *Queue) trimLocked() {
	if q.limit == 0 || len(q.buf) <= q.limit {
		return
	}
	over := len(q.buf) - q.limit
	q.dropped += uint64(over)
	q.buf = q.buf[over:]
}
