package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"fleetmon/internal/clock"
	"fleetmon/internal/config"
	"fleetmon/internal/dispatch"
	"fleetmon/internal/ingest"
	"fleetmon/internal/logging"
	"fleetmon/internal/occurrence"
	"fleetmon/internal/registry"
	"fleetmon/internal/state"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config snapshot and shared runtime components.
// Returns: runnable fleet monitoring service.
type Service struct {
	cfg      config.Config
	logger   *slog.Logger
	closeLog func()
	clock    clock.Clock

	states     state.Store
	reg        *registry.CachedRegistry
	occs       occurrence.Store
	dispatcher *dispatch.Dispatcher
	core       *Core

	httpSrv       *http.Server
	natsSub       interface{ Close() error }
	kafkaSub      interface{ Close() error }
	invalidateSub interface{ Close() error }
	queueWorker   interface{ Close() error }
	queueProducer interface{ Close() error }

	readyFlag atomic.Bool
}

// NewService builds the service instance from a config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	service := &Service{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		clock:    clk,
	}

	build := []func() error{
		service.buildStateStore,
		service.buildRegistry,
		service.buildOccurrenceStore,
		service.buildDispatch,
		service.buildHTTPServer,
		service.buildNATSSubscriber,
		service.buildKafkaSubscriber,
		service.buildInvalidateConsumer,
	}
	for _, step := range build {
		if err := step(); err != nil {
			service.cleanupInitResources()
			return nil, err
		}
	}
	return service, nil
}

// Run starts the service lifecycle and blocks until a shutdown signal.
// Params: root context for the service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	shutdownCtx, shutdownCancel := context.WithCancel(ctx)
	defer shutdownCancel()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.Ingest.HTTP.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sweepInterval := secondsDuration(s.cfg.Service.SweepIntervalSec)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-shutdownCtx.Done():
				return
			case <-ticker.C:
				if err := s.core.Sweep(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error("sweep failed", "error", err.Error())
				}
			}
		}
	}()

	s.readyFlag.Store(true)
	s.logger.Info("service started",
		"name", s.cfg.Service.Name,
		"mode", s.cfg.Service.Mode,
		"sweep_interval", sweepInterval.String())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		return s.shutdown()
	}
}

// shutdown closes runtime resources in dependency order: stop intake first,
// then drain dispatch, then close storage.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(stage string, err error) {
		if err == nil {
			return
		}
		s.logger.Error(stage+" failed", "error", err.Error())
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", stage, err)
		}
	}

	markErr("http shutdown", s.httpSrv.Shutdown(ctx))
	if s.natsSub != nil {
		markErr("nats ingest close", s.natsSub.Close())
	}
	if s.kafkaSub != nil {
		markErr("kafka ingest close", s.kafkaSub.Close())
	}
	if s.queueWorker != nil {
		markErr("dispatch worker close", s.queueWorker.Close())
	}
	if s.queueProducer != nil {
		markErr("dispatch producer close", s.queueProducer.Close())
	}
	if s.dispatcher != nil {
		markErr("dispatcher close", s.dispatcher.Close())
	}
	if s.invalidateSub != nil {
		markErr("invalidate consumer close", s.invalidateSub.Close())
	}
	if s.reg != nil {
		markErr("registry close", s.reg.Close())
	}
	if s.occs != nil {
		markErr("occurrence store close", s.occs.Close())
	}
	if s.states != nil {
		markErr("state store close", s.states.Close())
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.invalidateSub != nil {
		_ = s.invalidateSub.Close()
		s.invalidateSub = nil
	}
	if s.kafkaSub != nil {
		_ = s.kafkaSub.Close()
		s.kafkaSub = nil
	}
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.queueWorker != nil {
		_ = s.queueWorker.Close()
		s.queueWorker = nil
	}
	if s.queueProducer != nil {
		_ = s.queueProducer.Close()
		s.queueProducer = nil
	}
	if s.dispatcher != nil {
		_ = s.dispatcher.Close()
		s.dispatcher = nil
	}
	if s.reg != nil {
		_ = s.reg.Close()
		s.reg = nil
	}
	if s.occs != nil {
		_ = s.occs.Close()
		s.occs = nil
	}
	if s.states != nil {
		_ = s.states.Close()
		s.states = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildStateStore creates the rule-state backend from config.
// Params: none.
// Returns: setup error.
func (s *Service) buildStateStore() error {
	if isSingleMode(s.cfg) {
		s.states = state.NewMemoryStore(s.clock.Now)
		return nil
	}
	store, err := state.NewNATSStore(s.cfg.State)
	if err != nil {
		return err
	}
	s.states = store
	return nil
}

// buildRegistry creates the rule/channel/group read surface with caching.
// Params: none.
// Returns: setup error.
func (s *Service) buildRegistry() error {
	var source registry.Source
	switch s.cfg.Registry.Backend {
	case config.RegistryBackendStatic:
		source = registry.NewStaticSource(s.cfg.Registry)
	case config.RegistryBackendPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pg, err := registry.NewPostgresSource(ctx, s.cfg.Registry.DSN)
		if err != nil {
			return err
		}
		source = pg
	default:
		return fmt.Errorf("registry.backend: unsupported value %q", s.cfg.Registry.Backend)
	}
	s.reg = registry.NewCachedRegistry(source, s.cfg.Registry, s.clock)
	return nil
}

// buildOccurrenceStore creates the occurrence/attempt persistence backend.
// Params: none.
// Returns: setup error.
func (s *Service) buildOccurrenceStore() error {
	switch s.cfg.Occurrences.Backend {
	case config.OccurrenceBackendMemory:
		s.occs = occurrence.NewMemoryStore()
		return nil
	case config.OccurrenceBackendPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := occurrence.NewPostgresStore(ctx, s.cfg.Occurrences.DSN)
		if err != nil {
			return err
		}
		s.occs = store
		return nil
	default:
		return fmt.Errorf("occurrences.backend: unsupported value %q", s.cfg.Occurrences.Backend)
	}
}

// buildDispatch wires channel senders, the dispatcher, and the job queue.
// In single mode the dispatcher's own worker pool drains an in-memory queue;
// in nats mode jobs ride the JetStream work queue instead.
// Params: none.
// Returns: setup error.
func (s *Service) buildDispatch() error {
	senders := []dispatch.ChannelSender{
		dispatch.NewWebhookSender(secondsDuration(s.cfg.Dispatch.WebhookTimeout)),
	}
	if s.cfg.Dispatch.Email.RelayURL != "" {
		courier := dispatch.NewHTTPRelayCourier(s.cfg.Dispatch.Email)
		senders = append(senders, dispatch.NewEmailSender(courier, s.cfg.Dispatch.Email))
	}
	if s.cfg.Dispatch.Telegram.BotToken != "" {
		senders = append(senders, dispatch.NewTelegramSender(s.cfg.Dispatch.Telegram))
	}
	s.dispatcher = dispatch.New(s.cfg.Dispatch, senders, s.occs, s.clock, s.logger)

	var queue dispatch.Queue
	if isSingleMode(s.cfg) {
		s.dispatcher.Start(context.Background())
		queue = s.dispatcher
	} else {
		producer, err := dispatch.NewNATSProducer(s.cfg.Dispatch.Queue)
		if err != nil {
			return err
		}
		worker, err := dispatch.NewNATSWorker(s.cfg.Dispatch.Queue, s.dispatcher, s.logger)
		if err != nil {
			_ = producer.Close()
			return err
		}
		s.queueProducer = producer
		s.queueWorker = worker
		queue = producer
	}

	s.core = NewCore(s.cfg, s.logger, s.reg, s.states, s.occs, queue, s.clock)
	return nil
}

// buildHTTPServer wires the router with ingest, read, and health endpoints.
// Params: none.
// Returns: setup error.
func (s *Service) buildHTTPServer() error {
	httpCfg := s.cfg.Ingest.HTTP
	mux := http.NewServeMux()
	mux.HandleFunc(httpCfg.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(httpCfg.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.Handle(httpCfg.MetricsPath, promhttp.Handler())
	mux.Handle(httpCfg.OccurrencesPath, s.core.OccurrencesHandler())

	if httpCfg.Enabled {
		handler := ingest.NewHTTPHandler(s.core, httpCfg.MaxBodyBytes)
		mux.Handle(httpCfg.IngestPath, handler)
		batchPath := strings.TrimSuffix(httpCfg.IngestPath, "/") + "/batch"
		if batchPath != httpCfg.IngestPath {
			mux.Handle(batchPath, handler)
		}
	}

	s.httpSrv = &http.Server{
		Addr:              httpCfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// buildNATSSubscriber starts NATS ingest when enabled.
// Params: none.
// Returns: initialization error.
func (s *Service) buildNATSSubscriber() error {
	if isSingleMode(s.cfg) || !s.cfg.Ingest.NATS.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, s.core, s.logger)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

// buildKafkaSubscriber starts the Kafka event reader when enabled.
// Params: none.
// Returns: initialization error.
func (s *Service) buildKafkaSubscriber() error {
	if !s.cfg.Ingest.Kafka.Enabled {
		return nil
	}
	reader, err := ingest.NewKafkaReader(s.cfg.Ingest.Kafka, s.core, s.logger)
	if err != nil {
		return err
	}
	s.kafkaSub = reader
	return nil
}

// buildInvalidateConsumer subscribes to registry invalidation broadcasts.
// Params: none.
// Returns: initialization error.
func (s *Service) buildInvalidateConsumer() error {
	if !s.cfg.Registry.InvalidateEnabled {
		return nil
	}
	consumer, err := registry.NewInvalidateConsumer(s.cfg.Ingest.NATS.URL, s.cfg.Registry, s.reg)
	if err != nil {
		return err
	}
	s.invalidateSub = consumer
	return nil
}

func isSingleMode(cfg config.Config) bool {
	return cfg.Service.Mode == config.ServiceModeSingle
}

func secondsDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
