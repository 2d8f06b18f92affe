// Package registry maintains the reference-counted mapping from channel to
// interested connections, keeps one upstream bus subscription per present
// channel, and fans bus messages out to open connections.
package registry

import (
	stderrors "errors"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/c360/semrelay/bus"
	"github.com/c360/semrelay/errors"
	"github.com/c360/semrelay/metric"
)

type entry struct {
	conns []Connection
}

// Registry is the subscription registry. A channel is present exactly while
// its membership list is non-empty, and the bus holds a subscription for it
// exactly while it is present.
type Registry struct {
	bus     bus.Bus
	logger  *slog.Logger
	metrics *metric.Metrics

	mu      sync.Mutex
	entries map[string]*entry
	members int
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records registry size, bus calls and delivery outcomes. Nil disables.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// New creates an empty registry driving b.
func New(b bus.Bus, opts ...Option) *Registry {
	r := &Registry{
		bus:     b,
		logger:  slog.Default(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")
	return r
}

// Subscribe adds conn to channel. The first connection on a channel opens
// the bus subscription; if that fails nothing is recorded and the error
// matches errors.ErrBusSubscribeFailed. Subscribing the same connection
// twice records it twice.
func (r *Registry) Subscribe(conn Connection, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[channel]
	if !ok {
		err := r.bus.Subscribe(channel)
		r.metrics.RecordBusSubscribe(err)
		if err != nil {
			r.logger.Error("bus subscribe failed",
				"channel", channel,
				"connection_id", conn.ID(),
				"class", errors.Classify(err).String(),
				"error", err)
			return errors.NewChannelError(errors.ErrBusSubscribeFailed, channel, err)
		}
		e = &entry{}
		r.entries[channel] = e
	}

	e.conns = append(e.conns, conn)
	r.members++
	r.metrics.RecordRegistrySize(len(r.entries), r.members)

	r.logger.Debug("subscribed",
		"channel", channel,
		"connection_id", conn.ID(),
		"refcount", len(e.conns))
	return nil
}

// Unsubscribe removes the first occurrence of conn from channel. Unknown
// channels and absent connections are no-ops. Removing the last connection
// deletes the channel and then closes the bus subscription; a bus failure
// matches errors.ErrBusUnsubscribeFailed, with the channel already gone.
func (r *Registry) Unsubscribe(conn Connection, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[channel]
	if !ok {
		return nil
	}
	i := slices.Index(e.conns, conn)
	if i < 0 {
		return nil
	}

	e.conns = slices.Delete(e.conns, i, i+1)
	r.members--
	refcount := len(e.conns)

	var busErr error
	if refcount == 0 {
		delete(r.entries, channel)
		busErr = r.bus.Unsubscribe(channel)
		r.metrics.RecordBusUnsubscribe(busErr)
	}
	r.metrics.RecordRegistrySize(len(r.entries), r.members)

	r.logger.Debug("unsubscribed",
		"channel", channel,
		"connection_id", conn.ID(),
		"refcount", refcount)

	if busErr != nil {
		r.logger.Error("bus unsubscribe failed",
			"channel", channel,
			"class", errors.Classify(busErr).String(),
			"error", busErr)
		return errors.NewChannelError(errors.ErrBusUnsubscribeFailed, channel, busErr)
	}
	return nil
}

// HandleMessage forwards payload unchanged to every open connection on
// channel, using one membership snapshot. Closed connections are skipped and
// send errors do not stop the pass.
func (r *Registry) HandleMessage(channel string, payload []byte) {
	r.metrics.RecordMessageReceived()

	r.mu.Lock()
	e, ok := r.entries[channel]
	var snapshot []Connection
	if ok {
		snapshot = slices.Clone(e.conns)
	}
	r.mu.Unlock()

	if !ok {
		r.metrics.RecordDropped(metric.ReasonNoChannel, 1)
		r.logger.Debug("message for unknown channel discarded", "channel", channel)
		return
	}

	var delivered, skipped, failed int
	for _, conn := range snapshot {
		if conn.State() != Open {
			skipped++
			continue
		}
		if err := conn.Send(payload); err != nil {
			failed++
			r.logger.Debug("send failed",
				"channel", channel,
				"connection_id", conn.ID(),
				"error", err)
			continue
		}
		delivered++
	}

	r.metrics.RecordDelivered(delivered)
	r.metrics.RecordDropped(metric.ReasonClosed, skipped)
	r.metrics.RecordSendFailures(failed)
}

// Channels returns the present channels in sorted order.
func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.entries))
}

// Members returns a copy of channel's membership in insertion order.
func (r *Registry) Members(channel string) []Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[channel]; ok {
		return slices.Clone(e.conns)
	}
	return nil
}

// Refcount returns the number of memberships recorded for channel.
func (r *Registry) Refcount(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[channel]; ok {
		return len(e.conns)
	}
	return 0
}

// Len returns the number of present channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close drops every channel and closes its bus subscription. Later
// Unsubscribe calls for the dropped memberships are no-ops.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, channel := range slices.Sorted(maps.Keys(r.entries)) {
		delete(r.entries, channel)
		err := r.bus.Unsubscribe(channel)
		r.metrics.RecordBusUnsubscribe(err)
		if err != nil {
			errs = append(errs, errors.NewChannelError(errors.ErrBusUnsubscribeFailed, channel, err))
		}
	}
	r.members = 0
	r.metrics.RecordRegistrySize(0, 0)

	if len(errs) > 0 {
		r.logger.Error("bus unsubscribe failed during close", "failures", len(errs))
	}
	return stderrors.Join(errs...)
}
