package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/mcap-recovery/internal/policy/ratelimit"
	"github.com/JakeFAU/mcap-recovery/internal/recovery"
	"github.com/JakeFAU/mcap-recovery/internal/telemetry"
)

const defaultMaxBodyBytes = 1 << 20

// JobRunner executes one recovery job synchronously.
type JobRunner interface {
	Run(ctx context.Context, req recovery.JobRequest) (recovery.Outcome, error)
}

// Config controls what the server lists and how recovery requests are admitted.
type Config struct {
	BaseDir      string
	Extension    string
	MaxBodyBytes int64
	// Limiter admits recovery jobs per client; nil admits everything.
	Limiter *ratelimit.Limiter
}

// Server wires HTTP handlers to the job orchestrator.
type Server struct {
	router chi.Router
	cfg    Config
	jobs   JobRunner
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config, jobs JobRunner, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Extension == "" {
		cfg.Extension = ".mcap"
	}
	s := &Server{cfg: cfg, jobs: jobs, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Get("/files", s.listFiles)
	r.Get("/files/", s.listFiles)
	r.Group(func(r chi.Router) {
		if cfg.Limiter != nil {
			r.Use(cfg.Limiter.Middleware)
		}
		r.Post("/recover-and-zip", s.recoverAndZip)
		r.Post("/recover-and-zip/", s.recoverAndZip)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	info, err := os.Stat(s.cfg.BaseDir)
	if err != nil || !info.IsDir() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  fmt.Sprintf("Directory %s does not exist", s.cfg.BaseDir),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listFiles(w http.ResponseWriter, _ *http.Request) {
	listing, err := recovery.ListRecordings(s.cfg.BaseDir, s.cfg.Extension)
	if err != nil {
		s.logger.Error("list recordings failed", zap.String("dir", s.cfg.BaseDir), zap.Error(err))
		writeError(w, http.StatusInternalServerError, trimSentinel(err, recovery.ErrBaseDirMissing))
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) recoverAndZip(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	var req recovery.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var (
			typeErr *json.UnmarshalTypeError
			sizeErr *http.MaxBytesError
		)
		if errors.As(err, &sizeErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		if errors.As(err, &typeErr) {
			writeError(w, http.StatusBadRequest, "Expected { files: string[] }")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	out, err := s.jobs.Run(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if recovery.IsClientError(err) {
			status = http.StatusBadRequest
		}
		if out.Job.ID != "" {
			w.Header().Set("X-Job-ID", out.Job.ID)
		}
		writeError(w, status, trimSentinel(err, recovery.ErrBadRequest))
		return
	}

	archive := out.Archive
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, archive.Name))
	w.Header().Set("Content-Length", strconv.Itoa(len(archive.Data)))
	w.Header().Set("X-Job-ID", out.Job.ID)
	w.Header().Set("X-Archive-Checksum", archive.Checksum)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(archive.Data); err != nil {
		s.logger.Warn("archive write failed", zap.String("job_id", out.Job.ID), zap.Error(err))
	}
}

// trimSentinel drops a leading "<sentinel>: " so the caller sees the detail
// message alone.
func trimSentinel(err, sentinel error) string {
	msg := err.Error()
	if !errors.Is(err, sentinel) {
		return msg
	}
	if rest, ok := strings.CutPrefix(msg, sentinel.Error()+": "); ok {
		return rest
	}
	return msg
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
