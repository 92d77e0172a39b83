// Package api exposes the plugin manager over HTTP. It owns request
// parsing, response serialization and the mapping from error codes to HTTP
// statuses; all semantics live in the manager and below.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	xerrors "PluginHub/internal/errors"
	"PluginHub/internal/history"
	"PluginHub/internal/manager"
	"PluginHub/internal/observability/metrics"
	"PluginHub/internal/plugin"
	"PluginHub/pkg/logger"
)

// Server serves the /plugins API on one listener.
type Server struct {
	addr    string
	manager *manager.Manager
	log     *slog.Logger
}

// NewServer constructs a Server.
func NewServer(addr string, mgr *manager.Manager) *Server {
	return &Server{addr: addr, manager: mgr, log: logger.Named("api")}
}

// Handler builds the route table. Exposed separately so tests can drive the
// mux through httptest without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /plugins", s.instrument("list_plugins", s.handleListPlugins))
	mux.HandleFunc("POST /plugins/{id}/models/download", s.instrument("download_model", s.handleDownloadModel))
	mux.HandleFunc("POST /plugins/{id}/services/start", s.instrument("start_service", s.handleStartService))
	mux.HandleFunc("POST /plugins/{id}/services/stop", s.instrument("stop_service", s.handleStopService))
	mux.HandleFunc("GET /plugins/{id}/services", s.instrument("list_services", s.handleListServices))
	mux.HandleFunc("GET /plugins/{id}/history", s.instrument("list_history", s.handleListHistory))
	return mux
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleListPlugins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.ListPlugins())
}

func (s *Server) handleDownloadModel(w http.ResponseWriter, r *http.Request) {
	var req plugin.DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode request body"))
		return
	}
	req.PluginID = r.PathValue("id")

	result, err := s.manager.Download(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStartService(w http.ResponseWriter, r *http.Request) {
	var req plugin.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode request body"))
		return
	}
	req.PluginID = r.PathValue("id")

	result, err := s.manager.StartService(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStopService(w http.ResponseWriter, r *http.Request) {
	var req plugin.StopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode request body"))
		return
	}
	req.PluginID = r.PathValue("id")

	result, err := s.manager.StopService(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.manager.Services(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, services)
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	opts := history.ListOptions{Kind: history.Kind(r.URL.Query().Get("kind"))}
	records, err := s.manager.History(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*history.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// instrument records request metrics for one handler.
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(started))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

type errorBody struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	writeJSON(w, statusFor(code), errorResponse{Error: errorBody{Code: code, Message: message}})
}

// statusFor maps error codes onto HTTP statuses.
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeUnknownPlugin:
		return http.StatusNotFound
	case xerrors.CodeInvalidArgument, xerrors.CodeCapabilityUnsupported, xerrors.CodeInvalidDestination:
		return http.StatusBadRequest
	case xerrors.CodeServiceAlreadyRunning:
		return http.StatusConflict
	case xerrors.CodeDownloadFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
