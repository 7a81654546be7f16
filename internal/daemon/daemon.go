package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/vice/internal/config"
	"github.com/harun/vice/internal/logger"
	"github.com/harun/vice/internal/observability"
	"github.com/harun/vice/internal/tracing"
	"github.com/harun/vice/pkg/blobstore"
	"github.com/harun/vice/pkg/connection"
	"github.com/harun/vice/pkg/gateway"
	"github.com/harun/vice/pkg/messagelog"
	"github.com/harun/vice/pkg/protocol"
	"github.com/harun/vice/pkg/responder"
	"github.com/harun/vice/pkg/session"
)

// Daemon runs the vice service
type Daemon struct {
	config *config.Config
	loader *config.Loader
	logger *logger.Logger

	// Storage
	store session.Store
	log   messagelog.Log
	blobs *blobstore.FSStore

	// Core modules
	responder responder.Gateway
	conns     *connection.Manager
	engine    *protocol.Engine

	// Services
	gatewayServer *gateway.Server
	sweeper       *session.Sweeper
	watcher       *config.Watcher

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status describes a running daemon
type Status struct {
	Running   bool          `json:"running"`
	StartTime time.Time     `json:"start_time,omitempty"`
	Uptime    time.Duration `json:"uptime"`
	Clients   int           `json:"clients"`
}

// New creates a daemon. loader may be nil, in which case config changes
// on disk are not watched.
func New(cfg *config.Config, loader *config.Loader, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	d := &Daemon{
		config: cfg,
		loader: loader,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}
	if err := tracing.InitOpenTelemetry("vice"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initializeStorage(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

// abort releases whatever New managed to open
func (d *Daemon) abort() {
	d.cancel()
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.log != nil {
		_ = d.log.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

func (d *Daemon) initializeStorage() error {
	if err := os.MkdirAll(d.config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	auditPath := d.config.Logging.AuditFile
	if auditPath == "" {
		auditPath = filepath.Join(d.config.DataDir, "audit.log")
	}
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, audit events are discarded")
	} else {
		d.logger.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	switch d.config.Store.Sessions {
	case "redis":
		r := d.config.Store.Redis
		ctx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
		defer cancel()
		store, err := session.NewRedisStore(ctx, d.logger.GetZerolog(), session.RedisConfig{
			Addr:     r.Addr,
			Username: r.Username,
			Password: r.Password,
			DB:       r.DB,
			Prefix:   r.Prefix,
		})
		if err != nil {
			return fmt.Errorf("failed to create redis session store: %w", err)
		}
		d.store = store
	default:
		d.store = session.NewMemoryStore()
	}
	d.logger.Info().Str("backend", d.config.Store.Sessions).Msg("Session store initialized")

	switch d.config.Store.MessageLog {
	case "memory":
		d.log = messagelog.NewMemoryLog()
	default:
		log, err := messagelog.NewSQLiteLog(d.config.Store.SQLitePath, d.logger.GetZerolog())
		if err != nil {
			return fmt.Errorf("failed to open message log: %w", err)
		}
		d.log = log
	}
	d.logger.Info().Str("backend", d.config.Store.MessageLog).Msg("Message log initialized")

	blobs, err := blobstore.NewFSStore(d.config.Uploads.Dir, d.config.Uploads.MaxBytes, d.logger.GetZerolog())
	if err != nil {
		return fmt.Errorf("failed to create upload store: %w", err)
	}
	d.blobs = blobs
	d.logger.Info().Str("dir", d.config.Uploads.Dir).Msg("Upload store initialized")
	return nil
}

func (d *Daemon) initializeServices() error {
	rc := d.config.Responder
	provider, err := responder.NewProvider(responder.ProviderConfig{
		Provider: rc.Provider,
		APIKey:   rc.APIKey,
		BaseURL:  rc.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to create responder provider: %w", err)
	}
	d.responder = responder.NewLLMGateway(provider, responder.Config{
		Model:        rc.Model,
		Timeout:      rc.Timeout,
		MaxTokens:    rc.MaxTokens,
		Temperature:  rc.Temperature,
		SystemPrompt: rc.SystemPrompt,
	}, d.logger.GetZerolog())
	d.logger.Info().Str("provider", provider.Name()).Str("model", rc.Model).Msg("Responder initialized")

	sc := d.config.Session
	d.conns = connection.NewManager(d.store, d.log, connection.Options{
		Replay:     sc.Replay,
		ReplayTail: sc.ReplayTail,
		Logger:     d.logger.GetZerolog(),
	})

	d.engine = protocol.New(protocol.Config{
		IdleTimeout:      sc.IdleTimeout,
		Retention:        sc.Retention,
		MaxMessageBytes:  sc.MaxMessageBytes,
		MaxUploadBytes:   d.config.Uploads.MaxBytes,
		HistoryWindow:    sc.HistoryWindow,
		DedupTTL:         sc.DedupTTL,
		ResponderTimeout: d.config.Responder.Timeout,
	}, protocol.Deps{
		Store:     d.store,
		Log:       d.log,
		Blobs:     d.blobs,
		Responder: d.responder,
		Conns:     d.conns,
		Logger:    d.logger.GetZerolog(),
	})
	d.conns.SetHandler(d.engine)
	d.logger.Info().Dur("idle_timeout", sc.IdleTimeout).Str("replay", sc.Replay).Msg("Protocol engine initialized")

	d.sweeper = session.NewSweeper(d.engine, sc.SweepSchedule, d.logger.GetZerolog())

	gc := d.config.Gateway
	server, err := gateway.NewServer(gateway.Config{
		Host:              gc.Host,
		Port:              gc.Port,
		AllowedOrigins:    gc.AllowedOrigins,
		RequestsPerMinute: gc.RequestsPerMinute,
		MaxFrameBytes:     gc.MaxFrameBytes,
		MaxUploadBytes:    d.config.Uploads.MaxBytes,
		WriteTimeout:      gc.WriteTimeout,
		PingInterval:      gc.PingInterval,
		Engine:            d.engine,
		Connections:       d.conns,
		Files:             d.blobs,
		Logger:            d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = server

	if d.loader != nil {
		watcher, err := config.NewWatcher(d.loader, 0, d.applyReload)
		if err != nil {
			d.logger.Warn().Err(err).Msg("Config watching disabled")
		} else {
			d.watcher = watcher
		}
	}
	return nil
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting vice daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	if err := d.sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start session sweeper: %w", err)
	}
	logger.Info().Str("schedule", d.config.Session.SweepSchedule).Msg("Session sweeper started")

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start config watcher")
		} else {
			logger.Info().Msg("Config watcher started")
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started successfully")
	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping vice daemon")

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	d.sweeper.Stop()
	logger.Info().Msg("Session sweeper stopped")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	if err := d.gatewayServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}
	cancelShutdown()

	d.conns.Close()

	if err := d.engine.Close(5 * time.Second); err != nil {
		logger.Error().Err(err).Msg("Failed to close protocol engine")
	}
	logger.Info().Msg("Protocol engine stopped")

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if err := d.log.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close message log")
	}
	if err := d.store.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close session store")
	}

	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
		status.Clients = len(d.gatewayServer.GetConnectedClients())
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// GetEngine returns the protocol engine
func (d *Daemon) GetEngine() *protocol.Engine {
	return d.engine
}

// GetGatewayServer returns the HTTP server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}
