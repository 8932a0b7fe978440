package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"

	"github.com/nicktill/vitals/pkg/aggregate"
	"github.com/nicktill/vitals/pkg/config"
	"github.com/nicktill/vitals/pkg/live"
	"github.com/nicktill/vitals/pkg/notify"
	"github.com/nicktill/vitals/pkg/pipeline"
	"github.com/nicktill/vitals/pkg/poller"
	"github.com/nicktill/vitals/pkg/retention"
	"github.com/nicktill/vitals/pkg/sensor"
	"github.com/nicktill/vitals/pkg/server/monitor"
	"github.com/nicktill/vitals/pkg/storage"
	"github.com/nicktill/vitals/pkg/storage/badger"
	"github.com/nicktill/vitals/pkg/window"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 30 * time.Second
	shutdownTimeout    = 30 * time.Second
	taskStopTimeout    = 5 * time.Second

	retentionMaxRetries = 3
	retentionRetryDelay = 30 * time.Second
)

// Server owns every long-running component of the service.
type Server struct {
	cfg    config.Config
	logger *slog.Logger
	clock  clockwork.Clock
	loc    *time.Location

	store     storage.Storage
	pipeline  *pipeline.Pipeline
	poller    *poller.Poller
	hub       *live.Hub
	router    *mux.Router
	retention *monitor.TaskMonitor
}

// OpenStorage opens the store described by cfg. In-memory mode still uses
// BadgerDB so GC and stats behave the same.
func OpenStorage(cfg config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.InMemory {
		logger.Info("initializing in-memory BadgerDB storage")
		return badger.New(badger.Config{InMemory: true, MaxMemoryMB: cfg.MaxMemoryMB, Logger: logger})
	}

	path := filepath.Join(cfg.DataDir, "vitals")
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logger.Info("initializing BadgerDB storage", "path", path, "max_memory_mb", cfg.MaxMemoryMB)
	store, err := badger.New(badger.Config{Path: path, MaxMemoryMB: cfg.MaxMemoryMB, Logger: logger})
	if err != nil {
		return nil, err
	}
	return store, nil
}

// NewDispatcher builds the notification dispatcher selected by cfg.Kind.
func NewDispatcher(cfg config.NotifyConfig, logger *slog.Logger) (notify.Dispatcher, error) {
	switch cfg.Kind {
	case config.NotifyNone:
		return notify.Discard{}, nil
	case config.NotifyLog, "":
		return notify.NewLogDispatcher(logger), nil
	case config.NotifyHTTP:
		return notify.NewHTTPDispatcher(cfg.Endpoint, cfg.Token)
	case config.NotifyMQTT:
		topic := cfg.Topic
		if topic == "" {
			topic = config.DefaultNotifyTopic
		}
		return notify.NewMQTTDispatcher(cfg.Broker, topic)
	default:
		return nil, fmt.Errorf("unknown notification kind %q", cfg.Kind)
	}
}

// New wires the service from cfg. The caller owns store and must close it
// after Run returns.
func New(cfg config.Config, store storage.Storage, clock clockwork.Clock, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	loc, err := cfg.Loc()
	if err != nil {
		return nil, err
	}

	windows, err := window.New(clock, cfg.Windows...)
	if err != nil {
		return nil, err
	}

	dispatcher, err := NewDispatcher(cfg.Notify, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification dispatcher: %w", err)
	}
	notifier := notify.New(dispatcher, logger)
	logger.Info("completion notifications configured", "kind", cfg.Notify.Kind)

	hub := live.NewHub(logger)

	pipe, err := pipeline.New(pipeline.Config{
		Store:      store,
		Aggregator: aggregate.New(clock, aggregate.WithLocation(loc)),
		Windows:    windows,
		Notifier:   notifier,
		Retention:  retention.New(store, logger),
		Listeners:  []pipeline.Listener{hub},
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		clock:     clock,
		loc:       loc,
		store:     store,
		pipeline:  pipe,
		hub:       hub,
		retention: monitor.NewTaskMonitor("retention", 2*config.RetentionInterval+time.Minute, clock),
	}

	tasks := []*monitor.TaskMonitor{s.retention}

	if cfg.Sensor.URL != "" {
		client, err := sensor.New(sensor.Config{
			URL:     cfg.Sensor.URL,
			AuthKey: cfg.Sensor.AuthKey,
			Timeout: cfg.Poll.FetchTimeout,
			Clock:   clock,
		})
		if err != nil {
			return nil, err
		}

		pollMonitor := monitor.NewTaskMonitor("poller", 12*cfg.Poll.Interval, clock)
		tasks = append(tasks, pollMonitor)

		s.poller = poller.New(client, pipe, poller.Config{
			Interval:     cfg.Poll.Interval,
			FetchTimeout: cfg.Poll.FetchTimeout,
			Clock:        clock,
			Logger:       logger,
			OnError: func(err error) {
				pollMonitor.RecordFailure(err)
				hub.PollError(err)
			},
			OnSuccess: pollMonitor.RecordSuccess,
		})
	} else {
		logger.Warn("no sensor URL configured, polling disabled")
	}

	dataDir := cfg.DataDir
	if cfg.InMemory {
		dataDir = ""
	}
	maxBytes := cfg.MaxStorageGB * 1024 * 1024 * 1024

	api := NewAPI(APIConfig{
		Store:          store,
		Recorder:       pipe,
		Imports:        pipe,
		Hub:            hub,
		StorageMonitor: monitor.NewStorageMonitor(dataDir, maxBytes),
		Tasks:          tasks,
		Location:       loc,
		Clock:          clock,
		Logger:         logger,
	})

	s.router = mux.NewRouter()
	api.SetupRoutes(s.router, cfg.Port)

	return s, nil
}

// Handler returns the HTTP router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run restores state, starts the background tasks and serves HTTP until
// ctx is cancelled, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.pipeline.Restore(ctx); err != nil {
		s.logger.Warn("failed to restore open bucket", "error", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.hub.Run(ctx)
	}()
	s.logger.Info("websocket hub started")

	wg.Add(1)
	go func() {
		defer wg.Done()
		RunRetention(ctx, RetentionTask{
			Pruner:      s.pipeline,
			Monitor:     s.retention,
			Clock:       s.clock,
			Location:    s.loc,
			HorizonDays: s.cfg.RetentionDays,
			Interval:    config.RetentionInterval,
			Logger:      s.logger,
			MaxRetries:  retentionMaxRetries,
			RetryDelay:  retentionRetryDelay,
		})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		RunBadgerGC(ctx, s.store, config.BadgerGCInterval, s.clock, s.logger)
	}()

	if s.poller != nil {
		if err := s.poller.Start(ctx); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", "http://localhost:"+s.cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-serveErr:
		runErr = fmt.Errorf("server failed: %w", err)
	}

	if s.poller != nil {
		if err := s.poller.Stop(); err != nil && !errors.Is(err, poller.ErrNotStarted) {
			s.logger.Warn("poller stop failed", "error", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("server shutdown warning", "error", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all background tasks stopped cleanly")
	case <-time.After(taskStopTimeout):
		s.logger.Warn("some background tasks did not stop in time")
	}

	if pending := s.pipeline.Pending(); pending > 0 {
		s.logger.Warn("exiting with unsaved buckets", "pending", pending)
	}
	return runErr
}
