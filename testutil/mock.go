// Package testutil provides test doubles for the relay's bus and connections.
package testutil

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/c360/semrelay/bus"
	"github.com/c360/semrelay/registry"
)

// ErrMockSend is returned by a MockConnection configured to fail sends.
var ErrMockSend = errors.New("mock send failed")

// MockBus is an in-memory bus.Bus that records every call.
// Thread-safe for concurrent use from multiple goroutines.
type MockBus struct {
	mu sync.Mutex

	active   map[string]bool
	failSub  map[string]error
	failUnsb map[string]error
	dispatch bus.Dispatch

	// Call logs in call order
	SubscribeCalls   []string
	UnsubscribeCalls []string
}

var _ bus.Bus = (*MockBus)(nil)

// NewMockBus creates an empty mock bus.
func NewMockBus() *MockBus {
	return &MockBus{
		active:   make(map[string]bool),
		failSub:  make(map[string]error),
		failUnsb: make(map[string]error),
	}
}

// FailSubscribe makes Subscribe(channel) return err. A nil err clears it.
func (b *MockBus) FailSubscribe(channel string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failSub, channel)
		return
	}
	b.failSub[channel] = err
}

// FailUnsubscribe makes Unsubscribe(channel) return err. The subscription is
// still dropped, matching the NATS adapter.
func (b *MockBus) FailUnsubscribe(channel string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failUnsb, channel)
		return
	}
	b.failUnsb[channel] = err
}

// Subscribe records the call and activates channel.
func (b *MockBus) Subscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.SubscribeCalls = append(b.SubscribeCalls, channel)
	if err := b.failSub[channel]; err != nil {
		return err
	}
	if b.active[channel] {
		return fmt.Errorf("channel %q already subscribed", channel)
	}
	b.active[channel] = true
	return nil
}

// Unsubscribe records the call and deactivates channel.
func (b *MockBus) Unsubscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.UnsubscribeCalls = append(b.UnsubscribeCalls, channel)
	if !b.active[channel] {
		return fmt.Errorf("channel %q not subscribed", channel)
	}
	delete(b.active, channel)
	return b.failUnsb[channel]
}

// OnMessage registers the dispatch used by Deliver.
func (b *MockBus) OnMessage(fn bus.Dispatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dispatch != nil {
		return errors.New("dispatch already registered")
	}
	b.dispatch = fn
	return nil
}

// Deliver simulates the bus delivering payload on channel. Messages on
// inactive channels are dropped, as the real bus would never deliver them.
func (b *MockBus) Deliver(channel string, payload []byte) bool {
	b.mu.Lock()
	fn := b.dispatch
	active := b.active[channel]
	b.mu.Unlock()

	if fn == nil || !active {
		return false
	}
	fn(channel, payload)
	return true
}

// Active reports whether channel has a live subscription.
func (b *MockBus) Active(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active[channel]
}

// ActiveChannels returns the number of live subscriptions.
func (b *MockBus) ActiveChannels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

// SubscribeCount returns how many times Subscribe was called for channel.
func (b *MockBus) SubscribeCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return count(b.SubscribeCalls, channel)
}

// UnsubscribeCount returns how many times Unsubscribe was called for channel.
func (b *MockBus) UnsubscribeCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return count(b.UnsubscribeCalls, channel)
}

func count(calls []string, channel string) int {
	n := 0
	for _, c := range calls {
		if c == channel {
			n++
		}
	}
	return n
}

// MockConnection is a registry.Connection that records what it is sent.
type MockConnection struct {
	id     string
	closed atomic.Bool
	fail   atomic.Bool

	mu       sync.Mutex
	received [][]byte
}

var _ registry.Connection = (*MockConnection)(nil)

// NewMockConnection creates an open connection with the given id.
func NewMockConnection(id string) *MockConnection {
	return &MockConnection{id: id}
}

// ID returns the connection id.
func (c *MockConnection) ID() string { return c.id }

// State returns Open until Close is called.
func (c *MockConnection) State() registry.State {
	if c.closed.Load() {
		return registry.Closed
	}
	return registry.Open
}

// Send records payload, or fails when FailSends is set.
func (c *MockConnection) Send(payload []byte) error {
	if c.fail.Load() {
		return ErrMockSend
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, append([]byte(nil), payload...))
	return nil
}

// Close marks the connection closed.
func (c *MockConnection) Close() { c.closed.Store(true) }

// FailSends makes every later Send fail.
func (c *MockConnection) FailSends(fail bool) { c.fail.Store(fail) }

// Received returns the payloads sent so far as strings.
func (c *MockConnection) Received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.received))
	for i, p := range c.received {
		out[i] = string(p)
	}
	return out
}
