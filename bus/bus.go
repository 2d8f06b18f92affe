// Package bus adapts the NATS client to the two calls the subscription
// registry makes, and routes every delivered message to a single dispatch
// function.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c360/semrelay/errors"
	"github.com/c360/semrelay/natsclient"
)

// Dispatch receives every (channel, payload) pair delivered by the bus.
type Dispatch func(channel string, payload []byte)

// Bus is the upstream pub/sub surface the registry drives.
type Bus interface {
	Subscribe(channel string) error
	Unsubscribe(channel string) error
}

type unsubscriber interface {
	Unsubscribe() error
}

type subscribeFunc func(subject string, handler natsclient.MsgHandler) (unsubscriber, error)

// NATS is a Bus backed by one core NATS subscription per channel.
type NATS struct {
	subscribe subscribeFunc
	logger    *slog.Logger

	dispatch atomic.Pointer[Dispatch]

	mu   sync.Mutex
	subs map[string]unsubscriber
}

var _ Bus = (*NATS)(nil)

// NewNATS creates a bus adapter over a connected client.
func NewNATS(client *natsclient.Client, logger *slog.Logger) *NATS {
	return newNATS(func(subject string, handler natsclient.MsgHandler) (unsubscriber, error) {
		sub, err := client.Subscribe(subject, handler)
		if err != nil {
			return nil, err
		}
		return sub, nil
	}, logger)
}

func newNATS(subscribe subscribeFunc, logger *slog.Logger) *NATS {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{
		subscribe: subscribe,
		logger:    logger.With("component", "bus"),
		subs:      make(map[string]unsubscriber),
	}
}

// OnMessage registers the process-wide dispatch. It may be called once.
func (n *NATS) OnMessage(fn Dispatch) error {
	if fn == nil {
		return errors.WrapInvalid(fmt.Errorf("nil dispatch"), "NATS", "OnMessage", "register dispatch")
	}
	if !n.dispatch.CompareAndSwap(nil, &fn) {
		return errors.WrapInvalid(fmt.Errorf("dispatch already registered"), "NATS", "OnMessage", "register dispatch")
	}
	return nil
}

// Subscribe opens the upstream subscription for channel.
func (n *NATS) Subscribe(channel string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.subs[channel]; ok {
		return errors.WrapInvalid(fmt.Errorf("channel %q already subscribed", channel),
			"NATS", "Subscribe", "subscribe channel")
	}

	sub, err := n.subscribe(channel, n.route)
	if err != nil {
		return errors.Wrap(err, "NATS", "Subscribe", "subscribe channel")
	}
	n.subs[channel] = sub
	return nil
}

// Unsubscribe closes the upstream subscription for channel. The handle is
// forgotten even when the NATS call fails.
func (n *NATS) Unsubscribe(channel string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub, ok := n.subs[channel]
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("channel %q not subscribed", channel),
			"NATS", "Unsubscribe", "unsubscribe channel")
	}
	delete(n.subs, channel)

	if err := sub.Unsubscribe(); err != nil {
		return errors.Wrap(err, "NATS", "Unsubscribe", "unsubscribe channel")
	}
	return nil
}

// Subscribed reports whether channel has a live upstream subscription.
func (n *NATS) Subscribed(channel string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.subs[channel]
	return ok
}

func (n *NATS) route(subject string, data []byte) {
	fn := n.dispatch.Load()
	if fn == nil {
		n.logger.Debug("message before dispatch registration", "channel", subject)
		return
	}
	(*fn)(subject, data)
}
