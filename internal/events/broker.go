// Package events is an in-process publish/subscribe transport for run events.
package events

import (
	"sync"
)

const (
	ChannelProgress   = "run_progress"
	ChannelLogs       = "run_logs"
	ChannelHeartbeats = "run_heartbeats"
)

const subscriberBuffer = 256

// Message is one payload published on a channel.
type Message struct {
	Channel string
	Data    []byte
}

// Broker fans messages out to every subscriber of a channel. Delivery is best
// effort: a subscriber whose buffer is full misses the message. Publish never
// blocks and never logs, since the run logger itself publishes through it.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan Message
	nextID int
	closed bool
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[int]chan Message)}
}

func (b *Broker) Publish(channel string, data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	msg := Message{Channel: channel, Data: data}
	for _, ch := range b.subs[channel] {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Subscribe returns a channel of messages and a cancel function that
// unsubscribes and closes it.
func (b *Broker) Subscribe(channel string) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]chan Message)
	}
	b.subs[channel][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[channel][id]; ok {
				delete(b.subs[channel], id)
				close(sub)
			}
		})
	}
}

// Close ends every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
	}
}
