package service

import (
	"context"
	"strings"
	"sync"
)

// broker fans out ChangeEvents to subscribers of arbitrary path
// prefixes: a mutex-guarded map of subscriber channels, non-blocking
// publish (slow subscribers drop events rather than stall a writer),
// and cleanup tied to the subscription's context.
const subscriberBufferCap = 128

type broker struct {
	mu   sync.Mutex
	subs map[uint64]*subscription
	next uint64
}

type subscription struct {
	prefix string
	ch     chan ChangeEvent
}

func newBroker() *broker {
	return &broker{subs: make(map[uint64]*subscription)}
}

func (b *broker) subscribe(ctx context.Context, prefix string) <-chan ChangeEvent {
	ch := make(chan ChangeEvent, subscriberBufferCap)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{prefix: prefix, ch: ch}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}()

	return ch
}

func (b *broker) publish(path string, kind ChangeKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if !matchesPrefix(s.prefix, path) {
			continue
		}
		select {
		case s.ch <- ChangeEvent{Kind: kind, Node: Node{Path: path}}:
		default:
			// Slow subscriber: the event is dropped. The subscriber sees
			// the node's current row only through a later event or the
			// snapshot of a re-opened watch.
		}
	}
}

func matchesPrefix(prefix, path string) bool {
	if !strings.HasSuffix(prefix, "/") {
		return prefix == path
	}
	return strings.HasPrefix(path, prefix)
}
