// Package app hosts the bridge process: the executor and requester websocket
// endpoints, the MCP surface, metrics and gRPC health.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/louisbranch/browserbridge/internal/platform/errors"
	platformi18n "github.com/louisbranch/browserbridge/internal/platform/i18n"
	"github.com/louisbranch/browserbridge/internal/services/bridge/broker"
	"github.com/louisbranch/browserbridge/internal/services/bridge/client"
	"github.com/louisbranch/browserbridge/internal/services/bridge/commands"
	"github.com/louisbranch/browserbridge/internal/services/bridge/dispatch"
	"github.com/louisbranch/browserbridge/internal/services/bridge/metrics"
	"github.com/louisbranch/browserbridge/internal/services/bridge/protocol"
	"github.com/louisbranch/browserbridge/internal/services/bridge/storage"
	"github.com/louisbranch/browserbridge/internal/services/bridge/storage/sqlite"
	"github.com/louisbranch/browserbridge/internal/services/bridge/taskqueue"
	"github.com/louisbranch/browserbridge/internal/services/bridge/tools"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/net/websocket"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ExecutorHealthService is SERVING while at least one executor is connected.
const ExecutorHealthService = "bridge.executor"

// Server hosts the bridge HTTP/WebSocket and gRPC health surfaces.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	started time.Time

	executors  *broker.Registry
	requesters *broker.Registry
	engine     *broker.Engine
	queue      *taskqueue.Queue
	dispatcher *dispatch.Dispatcher
	forwarder  *commands.Forwarder
	metrics    *metrics.Metrics
	mcpServer  *mcp.Server

	store    *sqlite.Store
	recorder *storage.Recorder

	health     *health.Server
	grpcServer *gogrpc.Server
	httpServer *http.Server

	accepting    atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewServer wires the broker and starts the task queue. Nothing listens
// until ListenAndServe.
func NewServer(cfg Config) (*Server, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		started: time.Now(),
		health:  health.NewServer(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.metrics, err = metrics.New()
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	if cfg.DBPath != "" {
		s.store, err = sqlite.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open audit store: %w", err)
		}
		s.recorder = storage.NewRecorder(s.store, 0, s.logger)
	}

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ExecutorHealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	executorObservers := broker.Observers{s.metrics, executorHealth{s.health}}
	engineObservers := broker.Observers{s.metrics}
	if s.recorder != nil {
		engineObservers = append(engineObservers, s.recorder)
	}

	s.executors = broker.NewRegistry(broker.RoleExecutor,
		broker.WithDuplicatePolicy(cfg.DuplicatePolicy),
		broker.WithRegistryObserver(executorObservers),
		broker.WithEvictHook(s.evict),
		broker.WithRegistryLogger(s.logger),
	)
	s.requesters = broker.NewRegistry(broker.RoleRequester,
		broker.WithDuplicatePolicy(cfg.DuplicatePolicy),
		broker.WithRegistryObserver(s.metrics),
		broker.WithEvictHook(s.evict),
		broker.WithRegistryLogger(s.logger),
	)
	s.engine = broker.NewEngine(s.executors,
		broker.WithDefaultTimeout(cfg.ExchangeTimeout),
		broker.WithEngineObserver(engineObservers),
		broker.WithEngineLogger(s.logger),
	)

	queueOpts := []taskqueue.Option{
		taskqueue.WithWorkers(cfg.TaskWorkers),
		taskqueue.WithLogger(s.logger),
		taskqueue.WithReporter(taskqueue.ReporterFunc(func(ctx context.Context, outcome taskqueue.Outcome) {
			s.dispatcher.Report(ctx, outcome)
		})),
		taskqueue.WithReporter(s.metrics),
	}
	if cfg.QueueSize > 0 {
		queueOpts = append(queueOpts, taskqueue.WithCapacity(cfg.QueueSize))
	}
	if s.recorder != nil {
		queueOpts = append(queueOpts, taskqueue.WithReporter(s.recorder))
	}
	s.queue = taskqueue.New(queueOpts...)

	s.dispatcher, err = dispatch.New(dispatch.Config{
		Engine:     s.engine,
		Queue:      s.queue,
		Requesters: s.requesters,
		Status:     s.Status,
		Observer:   s.metrics,
		Logger:     s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init dispatcher: %w", err)
	}

	s.forwarder = commands.NewForwarder(s.engine, s.executors, cfg.PeerID, cfg.BatchTimeout)
	commands.Register(s.queue, commands.Deps{Forwarder: s.forwarder, Status: s.Status})

	if cfg.MCPTransport != MCPOff {
		s.mcpServer, err = tools.NewServer(tools.Config{
			Browser: s.forwarder,
			Status:  s.Status,
			Timeout: cfg.ExchangeTimeout,
			Logger:  s.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init mcp server: %w", err)
		}
	}

	s.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	if cfg.GRPCAddr != "" {
		s.grpcServer = gogrpc.NewServer(gogrpc.StatsHandler(otelgrpc.NewServerHandler()))
		healthpb.RegisterHealthServer(s.grpcServer, s.health)
	}

	s.queue.Start(s.ctx)
	s.accepting.Store(true)
	return s, nil
}

// Handler returns the bridge HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.Handle(client.ExecutorPath, s.wsHandler(broker.RoleExecutor, s.executors))
	mux.Handle(client.RequesterPath, s.wsHandler(broker.RoleRequester, s.requesters))
	if s.mcpServer != nil && s.cfg.MCPTransport == MCPHTTP {
		mux.Handle("/mcp", tools.HTTPHandler(s.mcpServer))
	}
	return mux
}

type statusResponse struct {
	protocol.ServerStatus
	Executors  []broker.ConnInfo `json:"executors"`
	Requesters []broker.ConnInfo `json:"requesters"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statusResponse{
		ServerStatus: s.Status(),
		Executors:    s.executors.List(),
		Requesters:   s.requesters.List(),
	})
}

func (s *Server) wsHandler(role broker.Role, registry *broker.Registry) http.Handler {
	limits := roleLimits[role]
	ws := websocket.Server{
		// Any Origin is accepted; the API key gates access.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(conn *websocket.Conn) {
			r := conn.Request()
			lang := platformi18n.ResolveTag(r)
			sess := &session{
				srv:         s,
				role:        role,
				registry:    registry,
				ws:          conn,
				peer:        newWSPeer(conn, lang),
				lang:        lang,
				preferredID: strings.TrimSpace(r.URL.Query().Get(client.ConnIDParam)),
				limits:      limits,
				logger:      s.logger.With("component", "session", "role", string(role), "remote", r.RemoteAddr),
			}
			sess.run(s.ctx)
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !s.accepting.Load() {
			http.Error(w, "bridge is shutting down", http.StatusServiceUnavailable)
			return
		}
		if s.cfg.SessionID != "" {
			connID := strings.TrimSpace(r.URL.Query().Get(client.ConnIDParam))
			if connID != s.cfg.SessionID {
				s.logger.Info("refusing connection outside the pinned session", "role", string(role), "conn_id", connID, "remote", r.RemoteAddr)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
		}
		ws.ServeHTTP(w, r)
	})
}

// evict notifies a peer that lost its slot, then closes it.
func (s *Server) evict(conn *broker.Conn, reason error) {
	peer, ok := conn.Sender().(*wsPeer)
	if !ok {
		_ = conn.Sender().Close()
		return
	}
	if errors.Is(reason, broker.ErrDisplaced) {
		frame := dispatch.ErrorFrame(time.Now(), peer.lang, "", reason)
		if err := peer.Send(context.Background(), frame); err != nil {
			s.logger.Debug("write displacement notice failed", "conn_id", conn.ID(), "error", err)
		}
	}
	_ = peer.Close()
}

// Status snapshots the bridge.
func (s *Server) Status() protocol.ServerStatus {
	return protocol.ServerStatus{
		Running:          s.accepting.Load(),
		ExecutorCount:    s.executors.Len(),
		RequesterCount:   s.requesters.Len(),
		PendingExchanges: s.engine.Pending(),
		TaskQueueSize:    s.queue.Len(),
		UptimeSeconds:    time.Since(s.started).Seconds(),
	}
}

// Run creates and serves a bridge until the context ends.
func Run(ctx context.Context, cfg Config) error {
	server, err := NewServer(cfg)
	if err != nil {
		return fmt.Errorf("init bridge: %w", err)
	}
	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve bridge: %w", err)
	}
	return nil
}

// ListenAndServe serves HTTP, gRPC health and, when configured, MCP over
// stdio until ctx ends, then shuts the bridge down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("bridge server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 3)
	s.logger.Info("bridge listening", "http_addr", s.cfg.HTTPAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	if s.grpcServer != nil {
		listener, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("listen grpc %s: %w", s.cfg.GRPCAddr, err)
		}
		s.logger.Info("health listening", "grpc_addr", listener.Addr().String())
		go func() {
			serveErr <- s.grpcServer.Serve(listener)
		}()
	}

	if s.mcpServer != nil && s.cfg.MCPTransport == MCPStdio {
		go func() {
			if err := tools.ServeStdio(ctx, s.mcpServer); err != nil && ctx.Err() == nil {
				s.logger.Warn("mcp stdio ended", "error", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, gogrpc.ErrServerStopped) {
			runErr = fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops accepting connections, fails pending exchanges, drains the
// task queue until ctx ends, closes every peer and releases the servers and
// the audit store. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Server) shutdown(ctx context.Context) error {
	s.logger.Info("bridge shutting down")
	s.accepting.Store(false)
	s.health.Shutdown()

	s.engine.Close()

	var errs []error
	if err := s.queue.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop task queue: %w", err))
	}

	notice := dispatch.ErrorFrame(time.Now(), platformi18n.DefaultTag(), "", apperrors.ErrShutdown)
	noticeCtx, cancelNotice := context.WithTimeout(context.Background(), time.Second)
	s.requesters.Broadcast(noticeCtx, notice)
	s.executors.Broadcast(noticeCtx, notice)
	cancelNotice()
	s.requesters.CloseAll(apperrors.ErrShutdown)
	s.executors.CloseAll(apperrors.ErrShutdown)
	s.cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
	}
	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
		}
	}

	if s.recorder != nil {
		if err := s.recorder.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush audit records: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// executorHealth flips the executor health service with the executor count.
type executorHealth struct {
	health *health.Server
}

func (h executorHealth) ConnectionsChanged(_ broker.Role, count int) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if count > 0 {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(ExecutorHealthService, status)
}

func (executorHealth) ExchangeFinished(broker.ExchangeSummary) {}
