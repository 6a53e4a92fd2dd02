package wlcore

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"

	"github.com/wlcore/wlcore/internal/acceptor"
	"github.com/wlcore/wlcore/internal/async"
	"github.com/wlcore/wlcore/internal/client"
	"github.com/wlcore/wlcore/internal/config"
	"github.com/wlcore/wlcore/internal/gpu"
	"github.com/wlcore/wlcore/internal/logging"
	"github.com/wlcore/wlcore/internal/loop"
	"github.com/wlcore/wlcore/internal/telemetry"
	"github.com/wlcore/wlcore/internal/timer"
)

// connEntry is everything closeConn needs to fully tear a connection
// down: its transport plus the reader/writer task handles, so that when
// one half finishes the other (if still parked waiting on an fd or the
// flush signal) is cancelled rather than abandoned.
type connEntry struct {
	conn   *client.Connection
	reader *async.SpawnedFuture[struct{}]
	writer *async.SpawnedFuture[struct{}]
}

// timerDispatcher adapts a timer.Wheel into a loop.Dispatcher so L2 is
// driven from the same epoll instance as everything else.
type timerDispatcher struct{ w *timer.Wheel }

func (t timerDispatcher) Dispatch(uint32) error {
	t.w.Expire()
	return nil
}

// Server owns every layer of the compositor runtime: the event loop and
// timer wheel (L1/L2), the async task engine (L3), accepted client
// connections (L4), the GPU presentation core (L5), and the acceptor and
// signal handling (L6). Build one with New and drive it with Run.
type Server struct {
	cfg        *config.Config
	configPath string
	log        *logging.Logger

	metrics    *telemetry.Metrics
	metricsSrv *http.Server

	lp       *loop.Loop
	wheel    *timer.Wheel
	engine   *async.Engine
	acc      *acceptor.Acceptor
	watcher  *config.Watcher
	instance vk.Instance
	device   *gpu.PhysicalDevice

	mu         sync.Mutex
	conns      map[uint32]*connEntry
	nextConnID uint32

	// SeizeSession, if set, would have the server take control of the
	// active logind session before binding sockets. Left unimplemented:
	// the session/privilege ownership semantics behind this are
	// ambiguous in the originating design and are not guessed at here.
	SeizeSession bool
}

// New builds a Server from cfg, loaded from configPath (used only to
// re-resolve the file on a hot-reload; pass "" to disable watching). It
// does not bind any socket or touch the GPU; call Start for that.
func New(cfg *config.Config, configPath string) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.Apply()

	return &Server{
		cfg:        cfg,
		configPath: configPath,
		log:        logging.Default(),
		metrics:    telemetry.New(),
		conns:      make(map[uint32]*connEntry),
	}, nil
}

// Start wires up L1 through L6 and binds the compositor sockets. The
// returned error is always from setup; once Start succeeds, call Run to
// actually drive the loop.
func (s *Server) Start() error {
	lp, err := loop.New()
	if err != nil {
		return WrapError("server.start", err)
	}
	s.lp = lp

	wheel, err := timer.New()
	if err != nil {
		return WrapError("server.start", err)
	}
	s.wheel = wheel
	if err := lp.Insert(lp.ID(), wheel.Fd(), loop.Readable, timerDispatcher{wheel}); err != nil {
		return WrapError("server.start", err)
	}

	engine, err := async.Install(lp, wheel)
	if err != nil {
		return WrapError("server.start", err)
	}
	s.engine = engine

	s.initGPU()

	if err := acceptor.InstallSignalHandler(engine, s.Stop, s.log); err != nil {
		return WrapError("server.start", err)
	}

	acc, err := acceptor.Install(engine, s.onAccept, s.log)
	if err != nil {
		return NewError("server.start", ErrCodeSocketUnavailable, err.Error())
	}
	s.acc = acc
	s.log.Infof("server: listening on %s (privileged: %s)", acc.SocketName(), acc.PrivPath())

	s.startConfigWatcher()
	s.startMetricsServer()

	return nil
}

// initGPU probes for a usable Vulkan device. Failure here is not fatal:
// a compositor instance can run headless (tests, CI) without GPU-backed
// presentation, so this only logs a warning.
func (s *Server) initGPU() {
	if s.cfg.GPU.DRMDevice == "" {
		s.log.Warnf("server: no gpu.drm_device configured, presentation disabled")
		return
	}

	instance, err := gpu.NewInstance("wlcore")
	if err != nil {
		s.log.Warnf("server: vulkan instance unavailable: %v", err)
		return
	}
	s.instance = instance

	major, minor, err := gpu.DRMDeviceNumbers(s.cfg.GPU.DRMDevice)
	if err != nil {
		s.log.Warnf("server: %v", err)
		return
	}

	dev, err := gpu.FindPhysicalDeviceForDRM(instance, major, minor)
	if err != nil {
		s.log.Warnf("server: %v", err)
		return
	}
	s.device = dev
	s.log.Infof("server: presentation device bound to %s", s.cfg.GPU.DRMDevice)
}

func (s *Server) startConfigWatcher() {
	if s.configPath == "" {
		return
	}
	w, err := config.NewWatcher(s.configPath)
	if err != nil {
		s.log.Warnf("server: config watcher unavailable: %v", err)
		return
	}
	w.OnReload(func(c *config.Config) error {
		c.Apply()
		s.mu.Lock()
		s.cfg = c
		s.mu.Unlock()
		return nil
	})
	w.Start()
	s.watcher = w
}

func (s *Server) startMetricsServer() {
	if !s.cfg.Metrics.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	s.metricsSrv = &http.Server{Addr: s.cfg.Metrics.Listen, Handler: mux}
	go func() {
		if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Warnf("server: metrics server: %v", err)
		}
	}()
}

// onAccept is handed to the acceptor as its OnAccept callback: it wraps
// the accepted fd in a Connection and spawns its reader/writer tasks.
func (s *Server) onAccept(fd int, uid, pid uint32, secure bool) {
	conn, err := client.NewConnection(fd, uid, pid, s.engine)
	if err != nil {
		s.log.Warnf("server: accept: %v", err)
		return
	}

	reader := async.Spawn(s.engine, async.PhaseEventHandling, conn.ReaderTask)
	writer := async.Spawn(s.engine, async.PhaseEventHandling, conn.WriterTask)
	entry := &connEntry{conn: conn, reader: reader, writer: writer}

	s.mu.Lock()
	s.nextConnID++
	id := s.nextConnID
	s.conns[id] = entry
	s.mu.Unlock()

	s.metrics.ConnectionsAccepted.Inc()
	s.log.Infof("server: accepted connection %d (uid=%d pid=%d secure=%v trace_id=%s)", id, uid, pid, secure, conn.TraceID)

	go func() {
		select {
		case <-reader.Done():
		case <-writer.Done():
		}
		s.closeConn(id, entry)
	}()
}

// closeConn tears down one connection's entry: whichever of its
// reader/writer tasks did not already finish on its own is cancelled so
// its goroutine (parked on a readiness wait or the flush signal) is
// woken and returns instead of leaking, before the transport itself is
// closed.
func (s *Server) closeConn(id uint32, entry *connEntry) {
	s.mu.Lock()
	_, ok := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()
	if !ok {
		return
	}

	entry.reader.Cancel()
	entry.writer.Cancel()
	<-entry.reader.Done()
	<-entry.writer.Done()

	if entry.conn.IsSlow() {
		s.metrics.SlowClientsKilled.Inc()
	}
	entry.conn.Close()
	s.metrics.ConnectionsClosed.Inc()
	s.log.Infof("server: connection %d closed (trace_id=%s)", id, entry.conn.TraceID)
}

// Run drives the event loop until Stop is called or a fatal dispatcher
// error occurs.
func (s *Server) Run() error {
	return s.lp.Run()
}

// Stop requests a graceful shutdown: the loop stops accepting new work
// on its next iteration. It is safe to call from a signal handler.
func (s *Server) Stop() {
	s.lp.Stop()
}

// Shutdown drains existing connections and releases resources, waiting
// up to DefaultGracefulShutdown for connections to close on their own
// before forcing them closed. Call after Run returns.
func (s *Server) Shutdown(ctx context.Context) error {
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), DefaultGracefulShutdown)
		defer cancel()
	}

	if s.watcher != nil {
		_ = s.watcher.Stop()
	}
	if s.metricsSrv != nil {
		_ = s.metricsSrv.Shutdown(ctx)
	}

	deadline := time.NewTimer(DefaultGracefulShutdown)
	defer deadline.Stop()
drain:
	for {
		s.mu.Lock()
		n := len(s.conns)
		s.mu.Unlock()
		if n == 0 {
			break
		}
		select {
		case <-ctx.Done():
			s.forceCloseAll()
			break drain
		case <-deadline.C:
			s.forceCloseAll()
			break drain
		case <-time.After(10 * time.Millisecond):
		}
	}

	if s.acc != nil {
		s.acc.Close()
	}
	if s.device != nil && s.instance != nil {
		vk.DestroyInstance(s.instance, nil)
	}
	if err := s.wheel.Close(); err != nil {
		return errors.Wrap(err, "server: close timer wheel")
	}
	if err := s.lp.Close(); err != nil {
		return errors.Wrap(err, "server: close event loop")
	}
	return nil
}

func (s *Server) forceCloseAll() {
	s.mu.Lock()
	conns := make(map[uint32]*connEntry, len(s.conns))
	for id, e := range s.conns {
		conns[id] = e
	}
	s.mu.Unlock()
	for id, e := range conns {
		s.closeConn(id, e)
	}
}

// Metrics returns the server's telemetry instance.
func (s *Server) Metrics() *telemetry.Metrics { return s.metrics }
