package pubsub

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by operations on a closed MemoryPubSub.
var ErrClosed = errors.New("pubsub closed")

type memorySubscription struct {
	ch chan *Event
}

// MemoryPubSub is an in-process fan-out bus. It backs single-process
// deployments and tests.
type MemoryPubSub struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

// NewMemoryPubSub creates an empty in-process bus.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string]map[*memorySubscription]struct{})}
}

// Publish delivers the event to every live subscriber of channel. Slow
// subscribers with a full buffer miss the event.
func (m *MemoryPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}

	for sub := range m.subs[channel] {
		e := *event
		select {
		case sub.ch <- &e:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscription that ends when ctx is done.
func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{ch: make(chan *Event, subscriptionBuffer)}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memorySubscription]struct{})
	}
	m.subs[channel][sub] = struct{}{}

	go func() {
		<-ctx.Done()
		m.remove(channel, sub)
	}()

	return sub.ch, nil
}

func (m *MemoryPubSub) remove(channel string, sub *memorySubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.subs[channel]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	close(sub.ch)
	if len(set) == 0 {
		delete(m.subs, channel)
	}
}

// Close ends all subscriptions.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for channel, set := range m.subs {
		for sub := range set {
			close(sub.ch)
		}
		delete(m.subs, channel)
	}
	m.closed = true
	return nil
}
