package term

import (
	"sync"
	"sync/atomic"
)

// OutputBroadcaster fans raw terminal output out to attached viewers.
// Slow viewers drop chunks rather than stall the read loop, so a human
// attaching to a busy agent never disrupts delivery.
type OutputBroadcaster struct {
	mu     sync.Mutex
	subs   map[int64]chan []byte
	closed bool
	seq    int64
}

func NewOutputBroadcaster() *OutputBroadcaster {
	return &OutputBroadcaster{
		subs: make(map[int64]chan []byte),
	}
}

// Subscribe registers a viewer and returns its channel plus a detach
// function. Detaching twice is safe.
func (b *OutputBroadcaster) Subscribe(buffer int) (<-chan []byte, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan []byte, buffer)
	id := atomic.AddInt64(&b.seq, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}
}

func (b *OutputBroadcaster) Broadcast(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub <- chunk:
		default:
		}
	}
}

func (b *OutputBroadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
	b.mu.Unlock()
}
