// Package daemon runs the broker process: it owns the singleton lock, the
// HTTP listener for operators and backends, the dispatch router and the
// local control socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/nightline/internal/admin"
	"github.com/msageha/nightline/internal/backend"
	"github.com/msageha/nightline/internal/backend/webchat"
	"github.com/msageha/nightline/internal/dispatch"
	"github.com/msageha/nightline/internal/envelope"
	"github.com/msageha/nightline/internal/events"
	"github.com/msageha/nightline/internal/lock"
	"github.com/msageha/nightline/internal/logging"
	"github.com/msageha/nightline/internal/metrics"
	"github.com/msageha/nightline/internal/model"
	"github.com/msageha/nightline/internal/operator"
	"github.com/msageha/nightline/internal/uds"
)

// Daemon is the broker process.
type Daemon struct {
	dir     string
	config  model.Config
	log     *logging.Logger
	logFile io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	httpSrv  *http.Server
	listener net.Listener

	operators *operator.Server
	adapters  []*webchat.Adapter
	router    *dispatch.Router
	reporter  *admin.Reporter
	collector *metrics.Collector
	collects  singleflight.Group
	bus       *events.Bus
	audit     *events.AuditLogger
	reloads   chan model.Config

	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	ready     chan struct{}
	stopped   chan struct{}
	shutdown  sync.Once
}

// New loads <dir>/config.yaml and creates a daemon logging to
// <dir>/logs/broker.log and stderr.
func New(dir string) (*Daemon, error) {
	cfg, err := model.LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	logPath := filepath.Join(dir, "logs", "broker.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open broker log: %w", err)
	}
	d, err := newDaemon(dir, cfg, io.MultiWriter(logFile, os.Stderr), logFile)
	if err != nil {
		logFile.Close()
		return nil, err
	}
	return d, nil
}

// newDaemon wires every component without touching the network.
func newDaemon(dir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	cfg = cfg.WithDefaults()
	log := logging.New(w, logging.ParseLevel(cfg.Logging.Level))

	keyPath := cfg.Broker.PrivateKeyPath
	if !filepath.IsAbs(keyPath) {
		keyPath = filepath.Join(dir, keyPath)
	}
	priv, err := envelope.LoadPrivateKey(keyPath)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		dir:       dir,
		config:    cfg,
		log:       log.With("daemon"),
		logFile:   closer,
		fileLock:  lock.NewFileLock(filepath.Join(dir, "locks", "broker.lock")),
		server:    uds.NewServer(filepath.Join(dir, uds.DefaultSocketName), log),
		operators: operator.NewServer(cfg.Broker.QueueSize, cfg.Broker.AllowedOrigins, log),
		collector: metrics.NewCollector(),
		bus:       events.NewBus(cfg.Broker.QueueSize),
		reloads:   make(chan model.Config, 1),
		ctx:       ctx,
		cancel:    cancel,
		ready:     make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	var backends []backend.Adapter
	for _, b := range cfg.Backends {
		switch b.Kind {
		case model.BackendKindWebchat:
			a := webchat.New(b, cfg.Broker.QueueSize, cfg.Broker.AllowedOrigins, log)
			d.adapters = append(d.adapters, a)
			backends = append(backends, a)
		default:
			cancel()
			return nil, fmt.Errorf("backend %q: unsupported kind %q", b.Name, b.Kind)
		}
	}

	rec, err := metrics.NewRecorder(d.collector.Provider())
	if err != nil {
		cancel()
		return nil, err
	}
	d.router, err = dispatch.New(dispatch.Options{
		Config:    cfg,
		Codec:     envelope.NewCodec(priv),
		Operators: d.operators,
		Backends:  backends,
		Reloads:   d.reloads,
		Log:       log,
		Metrics:   rec,
		Bus:       d.bus,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	d.reporter = admin.NewReporter(d.router, d.router.Obscurer())

	mux := http.NewServeMux()
	mux.Handle(cfg.Broker.OperatorPath, d.operators)
	for _, a := range d.adapters {
		mux.Handle(a.Path(), a)
	}
	d.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return d, nil
}

// Ready is closed once the daemon is accepting connections.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Addr returns the HTTP listen address. It is empty before Ready.
func (d *Daemon) Addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	defer close(d.stopped)
	if err := d.fileLock.TryLock(); err != nil {
		d.cancel()
		if d.logFile != nil {
			d.logFile.Close()
		}
		return fmt.Errorf("broker lock: %w", err)
	}
	d.log.Infof("broker starting pid=%d", os.Getpid())
	d.startedAt = time.Now()

	g, err := d.start()
	if err != nil {
		d.cancel()
		d.cleanup()
		return err
	}
	close(d.ready)
	d.log.Infof("broker ready addr=%s backends=%d", d.Addr(), len(d.adapters))

	go d.waitSignals()
	err = g.Wait()
	d.cleanup()
	d.log.Infof("broker stopped")
	if d.logFile != nil {
		d.logFile.Close()
	}
	return err
}

func (d *Daemon) start() (*errgroup.Group, error) {
	if d.config.Audit.Enabled {
		audit, err := events.NewAuditLogger(filepath.Join(d.dir, "logs", "audit"+events.LogFileExtension), d.config.Audit.MaxSizeBytes)
		if err != nil {
			return nil, err
		}
		audit.EnableChecksum(true)
		audit.Attach(d.bus, func(err error) { d.log.Warnf("audit: %v", err) })
		d.audit = audit
	}

	watcher, err := newConfigWatcher(d.dir, d.log)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", d.config.Broker.ListenAddr)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("listen on %s: %w", d.config.Broker.ListenAddr, err)
	}
	d.listener = ln

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		watcher.Close()
		ln.Close()
		return nil, fmt.Errorf("start control socket: %w", err)
	}
	d.log.Infof("control socket listening on %s", filepath.Join(d.dir, uds.DefaultSocketName))

	g, ctx := errgroup.WithContext(d.ctx)
	g.Go(func() error { return d.router.Run(ctx) })
	g.Go(func() error { return d.operators.Run(ctx) })
	for _, a := range d.adapters {
		a := a
		g.Go(func() error { return a.Run(ctx) })
	}
	g.Go(func() error { return watcher.Run(ctx, d.reload) })
	g.Go(func() error {
		err := d.httpSrv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http serve: %w", err)
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), d.shutdownTimeout())
		defer cancel()
		return d.httpSrv.Shutdown(sctx)
	})
	return g, nil
}

// reload hands a freshly parsed config to the router, replacing one that
// has not been picked up yet.
func (d *Daemon) reload(cfg model.Config) {
	select {
	case <-d.reloads:
	default:
	}
	select {
	case d.reloads <- cfg:
		d.log.Debugf("config change queued")
	default:
	}
}

// registerHandlers registers control socket handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CommandPing, func(req *uds.Request) *uds.Response {
		snap := d.router.Snapshot()
		return uds.SuccessResponse(uds.PingResult{
			Status:    "ok",
			PID:       os.Getpid(),
			StartedAt: d.startedAt.UTC().Format(time.RFC3339),
			Operators: len(snap.Operators),
			Rings:     len(snap.Rings),
		})
	})

	d.server.Handle(uds.CommandReport, func(req *uds.Request) *uds.Response {
		var p uds.ReportParams
		if err := uds.DecodeParams(req, &p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		return uds.SuccessResponse(uds.TextResult{Text: d.reporter.Request(p.Command())})
	})

	d.server.Handle(uds.CommandMetrics, func(req *uds.Request) *uds.Response {
		points, err := d.collect()
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
		return uds.SuccessResponse(points)
	})

	d.server.Handle(uds.CommandShutdown, func(req *uds.Request) *uds.Response {
		d.log.Infof("shutdown requested via control socket")
		// Shutdown waits for the control socket to drain, so it cannot run
		// on this request's goroutine.
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

// collect reads the metric series once for any number of concurrent callers.
func (d *Daemon) collect() ([]metrics.Point, error) {
	v, err, _ := d.collects.Do("collect", func() (any, error) {
		points, err := d.collector.Collect(d.ctx)
		if points == nil {
			points = []metrics.Point{}
		}
		return points, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]metrics.Point), nil
}

// waitSignals shuts down on SIGINT or SIGTERM. A second signal forces exit.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log.Infof("received signal=%s, initiating graceful shutdown", sig)
	case <-d.stopped:
		return
	}

	go func() {
		select {
		case <-sigCh:
			d.log.Warnf("received second signal, forcing exit")
			os.Exit(1)
		case <-d.stopped:
		}
	}()
	d.Shutdown()
}

func (d *Daemon) shutdownTimeout() time.Duration {
	return time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
}

// Shutdown stops the daemon and waits for Run to finish, up to the
// configured timeout. It is safe to call more than once.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log.Infof("shutdown started")
		d.cancel()

		select {
		case <-d.stopped:
		case <-time.After(d.shutdownTimeout()):
			d.log.Warnf("shutdown timeout after %s, some connections may not have closed", d.shutdownTimeout())
		}
	})
}

// cleanup releases resources acquired by start and the lock.
func (d *Daemon) cleanup() {
	d.server.Stop()
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			d.log.Warnf("close audit log: %v", err)
		}
	}
	d.bus.Close()
	if err := d.collector.Shutdown(context.Background()); err != nil {
		d.log.Debugf("metrics shutdown: %v", err)
	}
	if err := d.fileLock.Unlock(); err != nil {
		d.log.Warnf("unlock: %v", err)
	}
}
