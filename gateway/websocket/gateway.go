// Package websocket admits WebSocket clients onto relay channels. The
// channel is the request path without its leading "/". Rejected requests are
// closed before the handshake without any response.
package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/semrelay/channel"
	"github.com/c360/semrelay/errors"
	"github.com/c360/semrelay/metric"
	"github.com/c360/semrelay/registry"
)

// Outcomes recorded on semrelay_gateway_connections_total
const (
	resultAccepted        = metric.ResultAccepted
	resultRejected        = metric.ResultRejected
	resultUpgradeFailed   = "upgrade_failed"
	resultSubscribeFailed = "subscribe_failed"
)

// Registrar is the part of the registry the gateway drives.
type Registrar interface {
	Subscribe(conn registry.Connection, channel string) error
	Unsubscribe(conn registry.Connection, channel string) error
}

var _ Registrar = (*registry.Registry)(nil)

// Config holds per-connection transport settings
type Config struct {
	SendQueue    int           // Outbound frames buffered per connection
	WriteTimeout time.Duration // Deadline for each frame write
	PingInterval time.Duration // Keepalive interval, 0 disables pings and read deadlines
	ReadLimit    int64         // Maximum inbound frame size, 0 means unlimited
}

// DefaultConfig returns the default connection settings
func DefaultConfig() Config {
	return Config{
		SendQueue:    64,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		ReadLimit:    4096,
	}
}

// Gateway upgrades admitted requests and manages their registry membership.
type Gateway struct {
	registrar Registrar
	validator *channel.Validator
	upgrader  websocket.Upgrader
	cfg       Config
	logger    *slog.Logger

	metrics          *metric.Metrics
	metricsRegistrar metric.MetricsRegistrar
	active           prometheus.Gauge

	mu      sync.Mutex
	conns   map[*Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// Option configures a Gateway
type Option func(*Gateway)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics records admission outcomes and the live connection count.
// A nil registry disables metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(g *Gateway) {
		if registry == nil {
			return
		}
		g.metrics = registry.CoreMetrics()
		g.metricsRegistrar = registry
	}
}

// New creates a gateway admitting channels accepted by validator.
func New(registrar Registrar, validator *channel.Validator, cfg Config, opts ...Option) (*Gateway, error) {
	if registrar == nil || validator == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("registrar and validator are required"),
			"Gateway", "New", "validate dependencies")
	}
	if cfg.SendQueue <= 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("send queue must be positive, got %d", cfg.SendQueue),
			"Gateway", "New", "validate config")
	}

	g := &Gateway{
		registrar: registrar,
		validator: validator,
		cfg:       cfg,
		logger:    slog.Default(),
		conns:     make(map[*Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gateway")

	if g.metricsRegistrar != nil {
		g.active = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "semrelay",
			Subsystem: "gateway",
			Name:      "active_connections",
			Help:      "Number of open WebSocket connections",
		})
		if err := g.metricsRegistrar.Register("gateway", "active_connections", g.active); err != nil {
			return nil, errors.Wrap(err, "Gateway", "New", "register metrics")
		}
	}

	return g, nil
}

// Handler routes WebSocket upgrade requests to the gateway and everything
// else to fallback.
func (g *Gateway) Handler(fallback http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			g.ServeHTTP(w, r)
			return
		}
		fallback.ServeHTTP(w, r)
	})
}

// ServeHTTP admits or rejects one upgrade request.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := channel.FromPath(r.URL.Path)

	if !g.validator.IsAdmissible(name) {
		g.metrics.RecordGatewayConnection(resultRejected)
		g.logger.Debug("channel rejected",
			"channel", name,
			"remote_addr", r.RemoteAddr,
			"error", errors.ErrInvalidChannelName)
		terminate(w)
		return
	}

	g.mu.Lock()
	closing := g.closing
	g.mu.Unlock()
	if closing {
		terminate(w)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error
		g.metrics.RecordGatewayConnection(resultUpgradeFailed)
		g.logger.Debug("upgrade failed", "channel", name, "error", err)
		return
	}

	conn := newConn(ws, name, g.cfg, g.logger)
	conn.onClose = g.closed

	if !g.track(conn) {
		conn.Close()
		return
	}

	if err := g.registrar.Subscribe(conn, name); err != nil {
		g.metrics.RecordGatewayConnection(resultSubscribeFailed)
		g.logger.Warn("subscribe failed, closing connection",
			"channel", name,
			"connection_id", conn.ID(),
			"class", errors.Classify(err).String(),
			"error", err)
		conn.Close()
		return
	}
	g.metrics.RecordGatewayConnection(resultAccepted)

	// A concurrent Close may have unsubscribed before Subscribe ran
	if conn.State() == registry.Closed {
		g.unsubscribe(conn)
		return
	}

	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		conn.Close()
		return
	}
	g.wg.Add(2)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		conn.readLoop()
	}()
	go func() {
		defer g.wg.Done()
		conn.writeLoop()
	}()
}

// Len returns the number of open connections
func (g *Gateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Shutdown closes every open connection concurrently and waits for their
// read and write goroutines to exit, or for ctx to end.
// New requests are refused once Shutdown starts.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	conns := make([]*Conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	// Each Close may wait out closeGrace on a stalled peer
	var closing sync.WaitGroup
	for _, c := range conns {
		closing.Add(1)
		go func() {
			defer closing.Done()
			c.Close()
		}()
	}

	done := make(chan struct{})
	go func() {
		closing.Wait()
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Gateway", "Shutdown", "wait for connections")
	}
}

// track adds conn to the live set. It fails once Shutdown has started.
func (g *Gateway) track(conn *Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closing {
		return false
	}
	g.conns[conn] = struct{}{}
	if g.active != nil {
		g.active.Set(float64(len(g.conns)))
	}
	return true
}

// closed is the connection close handler.
func (g *Gateway) closed(conn *Conn) {
	g.unsubscribe(conn)

	g.mu.Lock()
	delete(g.conns, conn)
	if g.active != nil {
		g.active.Set(float64(len(g.conns)))
	}
	g.mu.Unlock()

	g.logger.Debug("connection closed",
		"channel", conn.Channel(),
		"connection_id", conn.ID(),
		"duration", time.Since(conn.ConnectedAt()))
}

func (g *Gateway) unsubscribe(conn *Conn) {
	if err := g.registrar.Unsubscribe(conn, conn.Channel()); err != nil {
		g.logger.Warn("unsubscribe failed",
			"channel", conn.Channel(),
			"connection_id", conn.ID(),
			"class", errors.Classify(err).String(),
			"error", err)
	}
}

// terminate drops the TCP connection without writing a response.
func terminate(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	netConn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	_ = netConn.Close()
}
