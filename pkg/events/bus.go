/*
Copyright Calliope Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package events provides the process-wide publish/subscribe bus used by
// protocol services to announce record state changes and by waiting flows to
// rendezvous with asynchronously arriving protocol events.
package events

import (
	"errors"
	"sync"
	"time"

	"github.com/hyperledger/aries-framework-go/component/log"
)

var logger = log.New("calliope-agent/events")

// ErrTimeout is returned by Subscription.Await when no matching event arrives in time.
var ErrTimeout = errors.New("timeout waiting for event")

// subscriptionBufferSize bounds the per-subscription event buffer. Publishing
// never blocks: events beyond the buffer are dropped for that subscriber.
const subscriptionBufferSize = 16

// Event is a single published occurrence on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Filter restricts a subscription to events it returns true for.
type Filter func(Event) bool

// Subscription is a handle to a single topic subscription. It buffers matching
// events from the moment Subscribe returns, which lets callers subscribe first,
// re-check durable state, and only then block in Await without losing a fast
// event in between.
type Subscription struct {
	topic  string
	filter Filter
	ch     chan Event
	cancel func()
	once   sync.Once
}

// Await blocks until a matching event arrives or the timeout elapses.
func (s *Subscription) Await(timeout time.Duration) (Event, error) {
	select {
	case e := <-s.ch:
		return e, nil
	case <-time.After(timeout):
		return Event{}, ErrTimeout
	}
}

// Cancel removes the subscription from the bus. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Bus is an in-process broadcast bus. Publish never blocks and is safe for
// concurrent use from many flows.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*Subscription
}

// NewBus returns a new event bus.
func NewBus() *Bus {
	return &Bus{subs: map[string][]*Subscription{}}
}

// Subscribe registers interest in a topic. The optional filter drops events it
// returns false for. The returned Subscription is live before Subscribe returns.
func (b *Bus) Subscribe(topic string, filter Filter) *Subscription {
	sub := &Subscription{
		topic:  topic,
		filter: filter,
		ch:     make(chan Event, subscriptionBufferSize),
	}

	sub.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		all := b.subs[topic]
		for i := range all {
			if all[i] == sub {
				b.subs[topic] = append(all[:i], all[i+1:]...)

				break
			}
		}
	}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	return sub
}

// Publish delivers the event to all current subscribers of the topic.
func (b *Bus) Publish(topic string, payload interface{}) {
	e := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	subs := append(b.subs[topic][:0:0], b.subs[topic]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}

		select {
		case sub.ch <- e:
		default:
			logger.Warnf("subscriber buffer full, dropping event on topic %s", topic)
		}
	}
}
