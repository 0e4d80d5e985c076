package producer

import "sync"

// cyclicBarrier lets N parties rendezvous repeatedly, once per producer
// cycle, implemented as a classic generation-counted barrier over
// sync.Cond so it can be reused indefinitely rather than rebuilt per
// round.
type cyclicBarrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	parties    int
	count      int
	generation int
}

func newCyclicBarrier(parties int) *cyclicBarrier {
	b := &cyclicBarrier{parties: parties}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Wait blocks until every party has called Wait for the current
// generation, then releases them all together.
func (b *cyclicBarrier) Wait() {
	b.mu.Lock()
	gen := b.generation
	b.count++
	if b.count == b.parties {
		b.count = 0
		b.generation++
		b.cond.Broadcast()
	} else {
		for gen == b.generation {
			b.cond.Wait()
		}
	}
	b.mu.Unlock()
}
