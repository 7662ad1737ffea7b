package pipe

import "sync"

// inbox delivers pushed frames one at a time, in push order.
type inbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	frames  [][]byte
	pushed  uint64
	handled uint64
	closed  bool
	deliver func([]byte)
}

func newInbox(deliver func([]byte)) *inbox {
	b := &inbox{deliver: deliver}
	b.cond = sync.NewCond(&b.mu)
	go b.run()
	return b
}

// push queues a frame. Returns false once the inbox is closed.
func (b *inbox) push(frame []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.frames = append(b.frames, frame)
	b.pushed++
	b.cond.Broadcast()
	return true
}

// flush blocks until every frame pushed before the call has been delivered.
func (b *inbox) flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	target := b.pushed
	for b.handled < target && !b.closed {
		b.cond.Wait()
	}
}

func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.frames = nil
	b.cond.Broadcast()
}

func (b *inbox) run() {
	for {
		b.mu.Lock()
		for len(b.frames) == 0 && !b.closed {
			b.cond.Wait()
		}
		if b.closed {
			b.mu.Unlock()
			return
		}
		frame := b.frames[0]
		b.frames[0] = nil
		b.frames = b.frames[1:]
		b.mu.Unlock()

		b.deliver(frame)

		b.mu.Lock()
		b.handled++
		b.cond.Broadcast()
		b.mu.Unlock()
	}
}
