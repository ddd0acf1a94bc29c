package events

import (
	"sync"
	"sync/atomic"
)

// GlobalTopic is the special topic for subscribing to all events.
const GlobalTopic = "*"

// Publisher defines the interface for event publishing.
type Publisher interface {
	// Publish sends an event to all subscribers of its topic.
	Publish(event Event)
	// Subscribe returns a channel that receives events for the given topic.
	// Use GlobalTopic ("*") to receive every event.
	Subscribe(topic string) <-chan Event
	// Unsubscribe removes a subscription channel.
	Unsubscribe(topic string, ch <-chan Event)
	// Close shuts down the publisher and all subscriptions.
	Close()
}

// MemoryPublisher is an in-memory implementation of Publisher.
type MemoryPublisher struct {
	subscribers map[string][]chan Event
	mu          sync.RWMutex
	bufferSize  int
	closed      bool
	dropped     atomic.Int64
}

// PublisherOption configures a MemoryPublisher.
type PublisherOption func(*MemoryPublisher)

// WithBufferSize sets the channel buffer size for subscribers.
func WithBufferSize(size int) PublisherOption {
	return func(p *MemoryPublisher) {
		p.bufferSize = size
	}
}

// NewMemoryPublisher creates a new in-memory publisher.
func NewMemoryPublisher(opts ...PublisherOption) *MemoryPublisher {
	p := &MemoryPublisher{
		subscribers: make(map[string][]chan Event),
		bufferSize:  100,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends an event to topic subscribers and global subscribers.
// Non-blocking: subscribers with full buffers miss the event and the drop
// is counted.
func (p *MemoryPublisher) Publish(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	p.deliver(p.subscribers[event.Topic], event)
	if event.Topic != GlobalTopic {
		p.deliver(p.subscribers[GlobalTopic], event)
	}
}

func (p *MemoryPublisher) deliver(subs []chan Event, event Event) {
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			p.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel that receives events for the given topic.
func (p *MemoryPublisher) Subscribe(topic string) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, p.bufferSize)
	p.subscribers[topic] = append(p.subscribers[topic], ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (p *MemoryPublisher) Unsubscribe(topic string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subscribers[topic]
	for i, sub := range subs {
		if sub == ch {
			p.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}

	if len(p.subscribers[topic]) == 0 {
		delete(p.subscribers, topic)
	}
}

// Close shuts down the publisher and closes all subscription channels.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for topic, subs := range p.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(p.subscribers, topic)
	}
}

// SubscriberCount returns the number of subscribers for a topic.
func (p *MemoryPublisher) SubscriberCount(topic string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribers[topic])
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (p *MemoryPublisher) Dropped() int64 {
	return p.dropped.Load()
}

// NopPublisher discards all events.
type NopPublisher struct{}

// Publish does nothing.
func (NopPublisher) Publish(Event) {}

// Subscribe returns a closed channel.
func (NopPublisher) Subscribe(string) <-chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

// Unsubscribe does nothing.
func (NopPublisher) Unsubscribe(string, <-chan Event) {}

// Close does nothing.
func (NopPublisher) Close() {}

// OrNop returns p, or a NopPublisher when p is nil.
func OrNop(p Publisher) Publisher {
	if p == nil {
		return NopPublisher{}
	}
	return p
}
