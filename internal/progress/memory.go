package progress

import (
	"context"
	"sync"
)

const subscriberBuffer = 64

// MemoryBroker is an in-process Broker for single-node deployments and
// tests. Events for a batch reach only subscribers of that batch; a
// subscriber whose buffer is full loses the event rather than stalling
// the publisher.
type MemoryBroker struct {
	mu   sync.RWMutex
	subs map[string]map[int]chan Event
	next int
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[int]chan Event)}
}

func (b *MemoryBroker) Publish(_ context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[event.BatchID] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, batchID string) (<-chan Event, func(), error) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.subs[batchID] == nil {
		b.subs[batchID] = make(map[int]chan Event)
	}
	id := b.next
	b.next++
	b.subs[batchID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[batchID], id)
			if len(b.subs[batchID]) == 0 {
				delete(b.subs, batchID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}
