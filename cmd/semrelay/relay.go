package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/semrelay/bus"
	"github.com/c360/semrelay/channel"
	"github.com/c360/semrelay/config"
	"github.com/c360/semrelay/errors"
	"github.com/c360/semrelay/gateway/websocket"
	"github.com/c360/semrelay/health"
	"github.com/c360/semrelay/metric"
	"github.com/c360/semrelay/natsclient"
	"github.com/c360/semrelay/pkg/retry"
	"github.com/c360/semrelay/registry"
)

// relay owns every long-lived component of the process
type relay struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics       *metric.MetricsRegistry
	metricsServer *metric.Server
	client        *natsclient.Client
	bus           *bus.NATS
	registry      *registry.Registry
	gateway       *websocket.Gateway
	server        *http.Server

	listener        net.Listener
	metricsListener net.Listener
	busClosed       chan error
}

func newRelay(cfg *config.Config, logger *slog.Logger) (*relay, error) {
	r := &relay{
		cfg:       cfg,
		logger:    logger,
		busClosed: make(chan error, 1),
	}

	if cfg.Metrics.Port > 0 {
		r.metrics = metric.NewMetricsRegistry()
		r.metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, r.metrics)
	}

	client, err := natsclient.NewClient(cfg.Bus.URL, r.clientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}
	r.client = client

	r.bus = bus.NewNATS(client, logger)
	r.registry = registry.New(r.bus,
		registry.WithLogger(logger),
		registry.WithMetrics(r.metrics.CoreMetrics()))
	if err := r.bus.OnMessage(r.registry.HandleMessage); err != nil {
		return nil, err
	}

	gwCfg := websocket.DefaultConfig()
	gwCfg.SendQueue = cfg.Connection.SendQueue
	gwCfg.WriteTimeout = cfg.Connection.WriteTimeout
	gwCfg.PingInterval = cfg.Connection.PingInterval

	r.gateway, err = websocket.New(r.registry,
		channel.NewValidator(cfg.Channels.AllowedPrefixes),
		gwCfg,
		websocket.WithLogger(logger),
		websocket.WithMetrics(r.metrics))
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	r.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r.gateway.Handler(health.Handler()),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	return r, nil
}

func (r *relay) clientOptions() []natsclient.ClientOption {
	bc := r.cfg.Bus
	opts := []natsclient.ClientOption{
		natsclient.WithMaxReconnects(bc.MaxReconnects),
		natsclient.WithReconnectWait(bc.ReconnectWait),
		natsclient.WithTimeout(bc.ConnectTimeout),
		natsclient.WithDrainTimeout(bc.DrainTimeout),
		natsclient.WithLogger(natsclient.NewSlogLogger(r.logger)),
		natsclient.WithMetrics(r.metrics),
		natsclient.WithDisconnectCallback(func(err error) {
			r.logger.Warn("NATS disconnected, reconnecting", "error", err)
		}),
		natsclient.WithReconnectCallback(func() {
			r.logger.Info("NATS reconnected")
		}),
		natsclient.WithClosedCallback(func(err error) {
			if err == nil {
				err = errors.ErrConnectionClosed
			}
			r.busLost(errors.WrapFatal(err, "Relay", "Run", "keep bus connection"))
		}),
	}
	if bc.Name != "" {
		opts = append(opts, natsclient.WithName(bc.Name))
	}
	if bc.Username != "" {
		opts = append(opts, natsclient.WithCredentials(bc.Username, bc.Password))
	}
	if bc.Token != "" {
		opts = append(opts, natsclient.WithToken(bc.Token))
	}
	return opts
}

// start connects to the bus and binds the listeners. Nothing is served
// until run.
func (r *relay) start(ctx context.Context) error {
	r.logger.Info("Connecting to NATS", "url", r.client.URL())
	if err := bus.Connect(ctx, r.client, retry.Attempts(r.cfg.Bus.ConnectAttempts), r.logger); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", r.server.Addr)
	if err != nil {
		return errors.WrapFatal(err, "Relay", "Start", "listen on "+r.server.Addr)
	}
	r.listener = ln

	if r.metricsServer != nil {
		mln, err := r.metricsServer.Listen()
		if err != nil {
			return err
		}
		r.metricsListener = mln
		r.logger.Info("Metrics endpoint enabled", "address", r.metricsServer.Address())
	}

	r.logger.Info("SemRelay started", "address", ln.Addr().String())
	return nil
}

// run serves clients until ctx ends or a fatal failure occurs, then shuts
// everything down. The first fatal failure is returned.
func (r *relay) run(ctx context.Context, shutdownTimeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	if r.listener != nil {
		g.Go(func() error {
			if err := r.server.Serve(r.listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return errors.WrapFatal(err, "Relay", "Serve", "serve WebSocket clients")
			}
			return nil
		})
	}

	if r.metricsListener != nil {
		g.Go(func() error {
			return r.metricsServer.Serve(r.metricsListener)
		})
	}

	g.Go(func() error {
		select {
		case err := <-r.busClosed:
			r.logger.Error("Relay failed", "error", err)
			return err
		case <-gctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			r.logger.Info("Received shutdown signal")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := r.stop(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		r.logger.Info("SemRelay stopped")
		return nil
	})

	return g.Wait()
}

// stop closes clients first so their registry entries and bus subscriptions
// are released before the bus connection goes away.
func (r *relay) stop(ctx context.Context) error {
	var errs []error

	if err := r.gateway.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := r.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := r.server.Shutdown(ctx); err != nil {
		errs = append(errs, errors.WrapTransient(err, "Relay", "Stop", "stop HTTP server"))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.client.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	// listeners that were bound but never served
	for _, ln := range []net.Listener{r.listener, r.metricsListener} {
		if ln != nil {
			_ = ln.Close()
		}
	}

	return stderrors.Join(errs...)
}

// addr returns the client listener address once started
func (r *relay) addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// busLost reports a bus connection that NATS gave up on
func (r *relay) busLost(err error) {
	select {
	case r.busClosed <- err:
	default:
	}
}
