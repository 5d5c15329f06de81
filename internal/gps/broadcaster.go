package gps

import "sync"

// Broadcaster fans fixes out to subscribers. Slow subscribers lose older
// fixes, never the newest one, and a new subscriber gets the latest fix
// right away.
type Broadcaster struct {
	mu       sync.RWMutex
	subs     map[int]chan Fix
	nextID   int
	last     Fix
	haveLast bool
	closed   bool

	// pub serializes publishers so drop-then-send stays atomic per channel.
	pub sync.Mutex
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Fix)}
}

func (b *Broadcaster) Subscribe(buffer int) (int, <-chan Fix) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Fix, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return -1, ch
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	if b.haveLast {
		ch <- b.last
	}
	return id, ch
}

func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) Publish(fix Fix) {
	b.pub.Lock()
	defer b.pub.Unlock()

	b.mu.Lock()
	b.last = fix
	b.haveLast = true
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- fix:
			continue
		default:
		}
		// Full: drop the oldest queued fix and retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- fix:
		default:
		}
	}
}

// Latest returns the most recently published fix.
func (b *Broadcaster) Latest() (Fix, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last, b.haveLast
}

func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
