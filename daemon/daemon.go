package daemon

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mark-sch/GpsdTracking/backend"
	"github.com/mark-sch/GpsdTracking/config"
	"github.com/mark-sch/GpsdTracking/controller"
	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/errors"
	"github.com/mark-sch/GpsdTracking/event"
	"github.com/mark-sch/GpsdTracking/health"
	"github.com/mark-sch/GpsdTracking/metric"
	"github.com/mark-sch/GpsdTracking/natsclient"
	"github.com/mark-sch/GpsdTracking/output/feed"
	"github.com/mark-sch/GpsdTracking/output/websocket"
	"github.com/mark-sch/GpsdTracking/pkg/tlsutil"
	"github.com/mark-sch/GpsdTracking/queue"
)

const (
	engineStopTimeout = 10 * time.Second
	httpStopTimeout   = 5 * time.Second
	natsCloseTimeout  = 5 * time.Second
)

// Daemon owns every long-lived component: the device registry, the command
// queue, the event bus, the backend and one engine per enabled service.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *device.Registry
	bus      *event.Bus
	queue    *queue.Queue
	backend  device.Backend
	async    *backend.Async
	engines  []*controller.Engine
	sweeper  *device.Sweeper

	metrics       *metric.MetricsRegistry
	monitor       *health.Monitor
	metricsServer *metric.Server

	nats   *natsclient.Client
	sink   *event.Sink
	feed   *feed.Feed
	stream *websocket.Stream

	api    *http.Server
	apiTLS *tls.Config

	mu      sync.Mutex
	apiAddr net.Addr

	running atomic.Bool
	ready   atomic.Bool
	started time.Time
}

// New builds a daemon from a validated configuration. It connects to NATS
// when configured and opens the backend; everything else starts in Run.
func New(ctx context.Context, cfg *config.Config, adapters *controller.AdapterRegistry,
	backends *backend.Registry, logger *slog.Logger,
) (*Daemon, error) {
	if cfg == nil || adapters == nil || backends == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Daemon", "New", "check arguments")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		registry: device.NewRegistry(),
		bus:      event.NewBus(logger),
		metrics:  metric.NewMetricsRegistry(),
		monitor:  health.NewMonitor(),
	}
	core := d.metrics.CoreMetrics()

	if err := d.connectNATS(ctx); err != nil {
		return nil, err
	}
	if err := d.openBackend(backends); err != nil {
		d.closeNATS()
		return nil, err
	}

	d.queue = queue.New(d.registry, d.bus,
		queue.WithPacing(cfg.Queue.Pacing.Std()),
		queue.WithRetryDelay(cfg.Queue.RetryDelay.Std()),
		queue.WithCapacity(cfg.Queue.Capacity),
		queue.WithMetrics(core),
		queue.WithLogger(logger))
	d.sweeper = device.NewSweeper(d.registry, logger)

	if err := d.buildEngines(adapters); err != nil {
		d.closeStores()
		return nil, err
	}
	if err := d.buildOutputs(); err != nil {
		d.closeStores()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) connectNATS(ctx context.Context) error {
	n := d.cfg.NATS
	if n.URL == "" {
		return nil
	}
	opts := []natsclient.ClientOption{
		natsclient.WithName(d.cfg.Name),
		natsclient.WithMaxReconnects(n.MaxReconnects),
		natsclient.WithLogger(d.logger),
		natsclient.WithMetrics(d.metrics.CoreMetrics()),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				d.monitor.UpdateHealthy("nats", "connected")
			} else {
				d.monitor.UpdateUnhealthy("nats", "disconnected")
			}
		}),
	}
	if n.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(n.ReconnectWait.Std()))
	}
	if n.Username != "" {
		opts = append(opts, natsclient.WithCredentials(n.Username, n.Password))
	}
	if n.Token != "" {
		opts = append(opts, natsclient.WithToken(n.Token))
	}

	client, err := natsclient.NewClient(n.URL, opts...)
	if err != nil {
		return errors.WrapFatal(err, "Daemon", "New", "configure nats")
	}
	if err := client.Connect(ctx); err != nil {
		return errors.Wrap(err, "Daemon", "New", "connect nats")
	}
	d.nats = client
	d.monitor.UpdateHealthy("nats", "connected")
	return nil
}

func (d *Daemon) openBackend(backends *backend.Registry) error {
	bc := d.cfg.Backend
	b, err := backends.Create(bc.Type, bc.Options(), backend.Deps{
		Logger:  d.logger,
		Metrics: d.metrics,
		NATS:    d.nats,
	})
	if err != nil {
		return err
	}
	d.backend = b
	if bc.Workers > 0 {
		d.async = backend.NewAsync(b, bc.Workers, bc.QueueSize, d.metrics, d.logger)
		d.backend = d.async
	}
	return nil
}

func (d *Daemon) buildEngines(adapters *controller.AdapterRegistry) error {
	core := d.metrics.CoreMetrics()
	for _, name := range d.cfg.ServiceNames() {
		cfg, err := d.cfg.Services[name].Controller(name)
		if err != nil {
			return err
		}
		adapter, err := adapters.Create(controller.Env{
			Config:   cfg,
			Registry: d.registry,
			Backend:  d.backend,
			Bus:      d.bus,
			Queue:    d.queue,
			Logger:   d.logger,
		})
		if err != nil {
			return errors.Wrap(err, "Daemon", "New", "service "+name)
		}
		engine, err := controller.NewEngine(cfg, adapter, controller.Deps{
			Registry: d.registry,
			Backend:  d.backend,
			Observer: d.bus,
			Metrics:  core,
			Logger:   d.logger,
		})
		if err != nil {
			return err
		}
		d.engines = append(d.engines, engine)
		d.monitor.Watch(name, engine)
	}
	return nil
}

func (d *Daemon) buildOutputs() error {
	cfg := d.cfg

	if cfg.Metrics.Enabled {
		tlsConfig, err := tlsutil.Server(cfg.Metrics.TLS)
		if err != nil {
			return errors.WrapFatal(err, "Daemon", "New", "load metrics tls")
		}
		d.metricsServer = metric.NewServer(cfg.Metrics.Address, cfg.Metrics.Path, d.metrics,
			metric.WithHealthHandler(d.monitor.Handler(cfg.Name)),
			metric.WithTLS(tlsConfig))
	}

	if d.nats != nil && cfg.Events.Subject != "" {
		d.sink = event.NewSink(d.nats, cfg.Events.Subject, d.logger)
	}

	if cfg.Feed.Enabled {
		tlsConfig, err := tlsutil.Server(cfg.Feed.TLS)
		if err != nil {
			return errors.WrapFatal(err, "Daemon", "New", "load feed tls")
		}
		f, err := feed.New(cfg.Feed.Config, tlsConfig, d.logger)
		if err != nil {
			return errors.WrapFatal(err, "Daemon", "New", "configure feed")
		}
		d.feed = f
	}

	if cfg.API.Address == "" {
		return nil
	}
	if cfg.Events.WebSocket.Enabled {
		d.stream = websocket.New(cfg.Events.WebSocket.Config, d.bus, d.queue, d.metrics, d.logger)
	}
	tlsConfig, err := tlsutil.Server(cfg.API.TLS)
	if err != nil {
		return errors.WrapFatal(err, "Daemon", "New", "load api tls")
	}
	d.apiTLS = tlsConfig
	d.api = &http.Server{
		Addr:              cfg.API.Address,
		Handler:           d.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return nil
}

// Registry returns the live session registry.
func (d *Daemon) Registry() *device.Registry { return d.registry }

// Bus returns the event bus.
func (d *Daemon) Bus() *event.Bus { return d.bus }

// Queue returns the command queue.
func (d *Daemon) Queue() *queue.Queue { return d.queue }

// Engines returns the engines in service name order.
func (d *Daemon) Engines() []*controller.Engine { return d.engines }

// Ready reports whether Run has started every component.
func (d *Daemon) Ready() bool { return d.ready.Load() }

// APIAddr returns the bound API address, nil until Run has listened.
func (d *Daemon) APIAddr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.apiAddr
}

// FeedAddr returns the bound feed address, nil when the feed is disabled.
func (d *Daemon) FeedAddr() net.Addr {
	if d.feed == nil {
		return nil
	}
	return d.feed.Addr()
}

// Run starts every component and blocks until ctx is done or one of them
// fails. Engines are stopped first so that the logouts they cause still reach
// the backend and the event outputs.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Daemon", "Run", "start daemon")
	}
	d.started = time.Now()

	outCtx, cancelOut := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelOut()
	g, gctx := errgroup.WithContext(outCtx)

	if err := d.start(ctx, g, gctx); err != nil {
		d.stopEngines()
		d.queue.Stop()
		d.sweeper.Stop()
		cancelOut()
		_ = g.Wait()
		d.closeStores()
		return err
	}
	d.ready.Store(true)
	d.logger.Info("Daemon started", "name", d.cfg.Name, "services", len(d.engines),
		"backend", d.cfg.Backend.Type)

	select {
	case <-ctx.Done():
	case <-gctx.Done():
	}

	d.ready.Store(false)
	d.logger.Info("Daemon stopping")
	d.stopEngines()
	d.queue.Stop()
	d.sweeper.Stop()
	cancelOut()
	err := g.Wait()
	d.closeStores()
	d.logger.Info("Daemon stopped", "uptime", time.Since(d.started).Round(time.Second).String())
	return err
}

func (d *Daemon) start(ctx context.Context, g *errgroup.Group, gctx context.Context) error {
	if d.async != nil {
		// Close drains the writers, so they outlive the outputs.
		if err := d.async.Start(context.WithoutCancel(ctx)); err != nil {
			return err
		}
	}
	if err := d.queue.Start(ctx); err != nil {
		return err
	}
	if err := d.sweeper.Start(ctx); err != nil {
		return errors.WrapFatal(err, "Daemon", "Run", "schedule idle sweep")
	}

	if d.sink != nil {
		g.Go(func() error { return d.sink.Run(gctx, d.bus) })
	}
	if d.feed != nil {
		if err := d.feed.Listen(gctx); err != nil {
			return err
		}
		g.Go(func() error { return d.feed.Run(gctx, d.bus) })
	}
	if d.stream != nil {
		g.Go(func() error { return d.stream.Run(gctx) })
	}
	if d.metricsServer != nil {
		g.Go(func() error { return d.metricsServer.Start(gctx) })
	}
	if d.api != nil {
		if err := d.serveAPI(gctx, g); err != nil {
			return err
		}
	}

	for _, e := range d.engines {
		if err := e.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) serveAPI(ctx context.Context, g *errgroup.Group) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", d.api.Addr)
	if err != nil {
		return errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrListenFailed, err), "Daemon", "Run",
			"listen on "+d.api.Addr)
	}
	if d.apiTLS != nil {
		ln = tls.NewListener(ln, d.apiTLS)
	}
	d.mu.Lock()
	d.apiAddr = ln.Addr()
	d.mu.Unlock()
	d.logger.Info("API listening", "address", ln.Addr().String(), "tls", d.apiTLS != nil)

	g.Go(func() error {
		if err := d.api.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return errors.WrapTransient(err, "Daemon", "Run", "serve api")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpStopTimeout)
		defer cancel()
		if err := d.api.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("API shutdown incomplete", "error", err)
		}
		return nil
	})
	return nil
}

func (d *Daemon) stopEngines() {
	for i := len(d.engines) - 1; i >= 0; i-- {
		e := d.engines[i]
		if err := e.Stop(engineStopTimeout); err != nil {
			d.logger.Warn("Service did not stop cleanly", "service", e.Name(), "error", err)
		}
	}
}

// closeStores flushes and closes the backend, then NATS, then the bus.
func (d *Daemon) closeStores() {
	if d.backend != nil {
		if err := d.backend.Close(); err != nil {
			d.logger.Warn("Backend close failed", "backend", d.cfg.Backend.Type, "error", err)
		}
	}
	d.closeNATS()
	d.bus.Close()
}

func (d *Daemon) closeNATS() {
	if d.nats == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), natsCloseTimeout)
	defer cancel()
	if err := d.nats.Close(ctx); err != nil {
		d.logger.Warn("NATS close failed", "error", err)
	}
}

// Health aggregates the status of every service.
func (d *Daemon) Health() health.Status {
	return d.monitor.AggregateHealth(d.cfg.Name)
}
