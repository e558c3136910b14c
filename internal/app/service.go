package app

import (
	"context"
	"encoding/json"
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

	"nocwatch/internal/clock"
	"nocwatch/internal/config"
	"nocwatch/internal/history"
	"nocwatch/internal/inventory"
	"nocwatch/internal/logging"
	"nocwatch/internal/notify"
	"nocwatch/internal/probe"
	"nocwatch/internal/state"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable monitoring service.
type Service struct {
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	store     state.Store
	recorder  history.Recorder
	manager   *Manager
	httpSrv   *http.Server
	readyFlag atomic.Bool
	clock     clock.Clock
}

// NewService builds service instance from config source.
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

	store, err := buildStore(cfg)
	if err != nil {
		closeLog()
		return nil, err
	}

	recorder, err := buildRecorder(cfg)
	if err != nil {
		_ = store.Close()
		closeLog()
		return nil, err
	}

	dispatcher := notify.NewDispatcher(cfg.Notify, logger)
	puller := inventory.NewClient(cfg.Inventory)
	manager := NewManager(cfg, logger, store, dispatcher, puller, recorder, buildProber(cfg), clk)

	service := &Service{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		store:    store,
		recorder: recorder,
		manager:  manager,
		clock:    clk,
	}
	service.buildHTTPServer()

	return service, nil
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	shutdownCtx, shutdownCancel := context.WithCancel(ctx)
	defer shutdownCancel()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.HTTP.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if pollInterval := s.cfg.Service.PollInterval(); pollInterval > 0 {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		go func() {
			for {
				select {
				case <-shutdownCtx.Done():
					return
				case <-ticker.C:
					if _, err := s.manager.Reconcile(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
						s.logger.Error("poll reconcile failed", "error", err.Error())
					}
				}
			}
		}()
	}

	s.readyFlag.Store(true)

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

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.recorder.Close(); err != nil {
		s.logger.Error("recorder close failed", "error", err.Error())
		markErr(fmt.Errorf("recorder close: %w", err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", "error", err.Error())
		markErr(fmt.Errorf("store close: %w", err))
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// buildHTTPServer wires router with control and health endpoints.
// Params: none.
// Returns: server assigned on service.
func (s *Service) buildHTTPServer() {
	prefix := strings.TrimRight(s.cfg.HTTP.APIPrefix, "/")
	mux := http.NewServeMux()

	mux.HandleFunc(s.cfg.HTTP.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(s.cfg.HTTP.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})

	mux.HandleFunc("GET "+prefix+"/devices", s.handleDevices)
	mux.HandleFunc("GET "+prefix+"/history", s.handleHistory)
	mux.HandleFunc("POST "+prefix+"/ack", s.handleAcknowledge)
	mux.HandleFunc("POST "+prefix+"/ack/clear", s.handleClearAcknowledge)
	mux.HandleFunc("POST "+prefix+"/ack/clearall", s.handleClearAllAcknowledgements)
	mux.HandleFunc("POST "+prefix+"/simulate", s.handleSimulate)
	mux.HandleFunc("POST "+prefix+"/simulate/clear", s.handleClearSimulate)

	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTP.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// handleDevices runs one reconciliation and returns the device summary.
// Params: HTTP request/response pair.
// Returns: JSON summary; last known data marked stale when the source is down.
func (s *Service) handleDevices(writer http.ResponseWriter, request *http.Request) {
	summary, err := s.manager.Reconcile(request.Context())
	if err != nil {
		writeError(writer, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(writer, http.StatusOK, summary)
}

// handleHistory returns recent metric rows for one device.
// Params: HTTP request with required id query parameter.
// Returns: JSON row list.
func (s *Service) handleHistory(writer http.ResponseWriter, request *http.Request) {
	deviceID := strings.TrimSpace(request.URL.Query().Get("id"))
	if deviceID == "" {
		writeError(writer, http.StatusBadRequest, "id query parameter is required")
		return
	}
	rows, err := s.manager.History(request.Context(), deviceID)
	if err != nil {
		writeError(writer, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{
		"device_id": deviceID,
		"rows":      rows,
	})
}

// handleAcknowledge suppresses alerts for one device.
// Params: HTTP request with id and optional dur query parameters.
// Returns: JSON body with resolved suppression deadline.
func (s *Service) handleAcknowledge(writer http.ResponseWriter, request *http.Request) {
	deviceID := strings.TrimSpace(request.URL.Query().Get("id"))
	if deviceID == "" {
		writeError(writer, http.StatusBadRequest, "id query parameter is required")
		return
	}
	durationLabel := strings.TrimSpace(request.URL.Query().Get("dur"))
	ackUntil, err := s.manager.Acknowledge(request.Context(), deviceID, durationLabel)
	if err != nil {
		writeStateError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{
		"device_id": deviceID,
		"ack_until": ackUntil,
	})
}

// handleClearAcknowledge removes suppression for one device.
// Params: HTTP request with required id query parameter.
// Returns: JSON ok body.
func (s *Service) handleClearAcknowledge(writer http.ResponseWriter, request *http.Request) {
	deviceID := strings.TrimSpace(request.URL.Query().Get("id"))
	if deviceID == "" {
		writeError(writer, http.StatusBadRequest, "id query parameter is required")
		return
	}
	if err := s.manager.ClearAcknowledgement(request.Context(), deviceID); err != nil {
		writeStateError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{"device_id": deviceID, "cleared": true})
}

// handleClearAllAcknowledgements removes suppression for every device.
// Params: HTTP request/response pair.
// Returns: JSON body with cleared entry count.
func (s *Service) handleClearAllAcknowledgements(writer http.ResponseWriter, request *http.Request) {
	cleared, err := s.manager.ClearAllAcknowledgements(request.Context())
	if err != nil {
		writeError(writer, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{"cleared": cleared})
}

// handleSimulate forces one device offline for drill purposes.
// Params: HTTP request with required id query parameter.
// Returns: JSON ok body.
func (s *Service) handleSimulate(writer http.ResponseWriter, request *http.Request) {
	deviceID := strings.TrimSpace(request.URL.Query().Get("id"))
	if deviceID == "" {
		writeError(writer, http.StatusBadRequest, "id query parameter is required")
		return
	}
	if err := s.manager.SimulateOutage(request.Context(), deviceID); err != nil {
		writeStateError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{"device_id": deviceID, "simulate_outage": true})
}

// handleClearSimulate removes the forced-offline override for one device.
// Params: HTTP request with required id query parameter.
// Returns: JSON ok body.
func (s *Service) handleClearSimulate(writer http.ResponseWriter, request *http.Request) {
	deviceID := strings.TrimSpace(request.URL.Query().Get("id"))
	if deviceID == "" {
		writeError(writer, http.StatusBadRequest, "id query parameter is required")
		return
	}
	if err := s.manager.ClearSimulatedOutage(request.Context(), deviceID); err != nil {
		writeStateError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{"device_id": deviceID, "simulate_outage": false})
}

// writeStateError maps store sentinel errors to HTTP status codes.
// Params: response writer and backend error.
// Returns: 404 for unknown devices, 500 otherwise.
func writeStateError(writer http.ResponseWriter, err error) {
	if errors.Is(err, state.ErrNotFound) {
		writeError(writer, http.StatusNotFound, "device is not known")
		return
	}
	writeError(writer, http.StatusInternalServerError, err.Error())
}

// writeJSON writes one JSON response body.
// Params: response writer, status code, and payload.
// Returns: encoded body written best-effort.
func writeJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}

// writeError writes one JSON error body.
// Params: response writer, status code, and message.
// Returns: encoded body written best-effort.
func writeError(writer http.ResponseWriter, status int, message string) {
	writeJSON(writer, status, map[string]string{"error": message})
}

// buildStore creates runtime state backend from config.
// Params: root config snapshot.
// Returns: selected store backend.
func buildStore(cfg config.Config) (state.Store, error) {
	if cfg.State.Mode == config.StateModeNATS {
		return state.NewNATSStore(cfg.State)
	}
	return state.NewMemoryStore(), nil
}

// buildRecorder creates metric history backend from config.
// Params: root config snapshot.
// Returns: postgres recorder when DSN is set, memory recorder otherwise.
func buildRecorder(cfg config.Config) (history.Recorder, error) {
	if cfg.History.Enabled && strings.TrimSpace(cfg.History.DSN) != "" {
		return history.NewPostgresRecorder(cfg.History.DSN)
	}
	return history.NewMemoryRecorder(), nil
}

// buildProber creates active prober implementation from config.
// Params: root config snapshot.
// Returns: ICMP prober when probing is enabled, noop prober otherwise.
func buildProber(cfg config.Config) probe.Prober {
	if cfg.Probe.Enabled {
		return probe.NewICMPProber(cfg.Probe.ProbeTimeout())
	}
	return probe.NoopProber{}
}
