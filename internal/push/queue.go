package push

import "sync"

// Queue is a bounded FIFO that drops its oldest record when full, so the
// capture side never waits on the network.
type Queue struct {
	mu      sync.Mutex
	buf     []Record
	head    int
	size    int
	nextSeq uint64
	dropped uint64
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{buf: make([]Record, capacity), nextSeq: 1}
}

// Push appends obs and reports whether an older record was evicted.
func (q *Queue) Push(obs Observation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec := Record{Seq: q.nextSeq, Observation: obs}
	q.nextSeq++

	evicted := false
	if q.size == len(q.buf) {
		q.buf[q.head] = Record{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		evicted = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = rec
	q.size++
	return evicted
}

// Peek copies up to n of the oldest records without removing them.
func (q *Queue) Peek(n int) []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || n > q.size {
		n = q.size
	}
	out := make([]Record, n)
	for i := 0; i < n; i++ {
		out[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	return out
}

// Commit removes every record with Seq <= upTo. Records already evicted
// while a send was in flight are simply gone.
func (q *Queue) Commit(upTo uint64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for q.size > 0 && q.buf[q.head].Seq <= upTo {
		q.buf[q.head] = Record{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		n++
	}
	return n
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue) Cap() int { return len(q.buf) }

// Dropped is the total number of records evicted for lack of space.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
