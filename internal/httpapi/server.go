// Package httpapi exposes the command ingress and the read API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/internal/bus"
	"github.com/flowmesh/flowmesh/internal/process"
	"github.com/flowmesh/flowmesh/internal/storage"
	"github.com/flowmesh/flowmesh/pkg/logger"
	"github.com/flowmesh/flowmesh/pkg/metrics"
)

const maxBodyBytes = 1 << 20

// Server handles command submission and status reads.
type Server struct {
	bus     bus.Bus
	store   storage.Store
	manager *process.Manager
	cache   *StatusCache
	log     *logger.Logger
	metrics *metrics.Metrics
}

// New creates the HTTP API. manager and cache may be nil when the binary
// does not host them.
func New(commandBus bus.Bus, store storage.Store, manager *process.Manager, cache *StatusCache, log *logger.Logger, m *metrics.Metrics) *Server {
	return &Server{
		bus:     commandBus,
		store:   store,
		manager: manager,
		cache:   cache,
		log:     log,
		metrics: m,
	}
}

// Router builds the chi route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.instrument)

	r.Post("/commands/{name}", s.submitCommand)
	r.Get("/commands/{id}", s.getCommand)

	if s.manager != nil {
		r.Post("/processes/{type}", s.startProcess)
		r.Get("/processes/{id}", s.getProcess)
		r.Get("/processes/{id}/log", s.getProcessLog)
		r.Post("/processes/{id}/pause", s.pauseProcess)
		r.Post("/processes/{id}/resume", s.resumeProcess)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return r
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		status := strconv.Itoa(ww.status)
		s.metrics.HTTPRequestTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// submitCommand accepts POST /commands/{name} with an Idempotency-Key
// header. It answers 202 with X-Command-Id; replays of the same key return
// the same id.
func (s *Server) submitCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		writeError(w, http.StatusBadRequest, "Idempotency-Key header is required")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "body must be valid JSON")
		return
	}

	headers := map[string]string{}
	if tenant := r.Header.Get("X-Tenant-Id"); tenant != "" {
		headers["tenantId"] = tenant
	}

	commandID, err := s.bus.Accept(r.Context(), bus.AcceptRequest{
		Name:           name,
		IdempotencyKey: idempotencyKey,
		BusinessKey:    r.Header.Get("X-Business-Key"),
		Payload:        body,
		Headers:        headers,
	})
	if err != nil {
		s.log.Error("Command submission failed",
			zap.String("name", name),
			zap.Error(err),
		)
		writeError(w, http.StatusServiceUnavailable, "command could not be accepted")
		return
	}

	w.Header().Set("X-Command-Id", commandID.String())
	w.Header().Set("Location", "/commands/"+commandID.String())
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"commandId": commandID.String(), "status": "accepted"})
}

// getCommand serves status reads cache-first with the database as fallback.
func (s *Server) getCommand(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid command id")
		return
	}

	if cached := s.cache.Get(r.Context(), id.String()); cached != nil {
		writeJSON(w, cached)
		return
	}

	cmd, err := s.store.Commands().FindByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "command not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	s.cache.Put(r.Context(), cmd)
	writeJSON(w, cmd)
}

func (s *Server) startProcess(w http.ResponseWriter, r *http.Request) {
	processType := chi.URLParam(r, "type")

	var req struct {
		BusinessKey string                 `json:"businessKey"`
		Data        map[string]interface{} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "body must be valid JSON")
		return
	}

	processID, err := s.manager.StartProcess(r.Context(), processType, req.BusinessKey, req.Data)
	if err != nil {
		if errors.Is(err, process.ErrUnknownProcessType) {
			writeError(w, http.StatusNotFound, "unknown process type")
			return
		}
		s.log.Error("Process start failed",
			zap.String("process_type", processType),
			zap.Error(err),
		)
		writeError(w, http.StatusServiceUnavailable, "process could not be started")
		return
	}

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"processId": processID.String()})
}

func (s *Server) getProcess(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid process id")
		return
	}
	inst, err := s.store.Processes().FindByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "process not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, inst)
}

func (s *Server) getProcessLog(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid process id")
		return
	}
	entries, err := s.store.Processes().Log(r.Context(), id, 1000)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "log read failed")
		return
	}
	writeJSON(w, entries)
}

func (s *Server) pauseProcess(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.manager.Pause)
}

func (s *Server) resumeProcess(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.manager.Resume)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id uuid.UUID) error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid process id")
		return
	}
	if err := op(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "process not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
